// Package procrun supplies the one piece of the per-process trap loop this
// host simulation actually owns: given a stream of already-trapped syscalls,
// run them through a process's Dispatcher and turn a Segfault outcome into a
// faultlog record and a live event on the board's FaultFeed. Delivering real
// traps from a userspace SVC instruction is the scheduler's job and stays
// out of scope here, the same way internal/kernel/scheduler's own
// context-switch hook leaves thread selection out of scope.
package procrun

import (
	"log/slog"

	"github.com/fedetft/miosix-kernel-sub002/internal/boardagent"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/proctable"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/svcdispatch"
)

// reservedSyscallLow and reservedSyscallHigh bound the gap the original
// kernel's enum leaves unused (see svcdispatch.Syscall's own comment);
// traps landing in that gap, or outside the enum's range altogether, are
// treated as an unrecognized syscall rather than an MPU fault.
const (
	reservedSyscallLow  = 34
	reservedSyscallHigh = 37
)

// Runner owns one process's Dispatcher for the lifetime of its trap loop.
type Runner struct {
	pid  int
	ppid int

	disp   *svcdispatch.Dispatcher
	table  *proctable.Processes
	flog   *faultlog.Log
	feed   *boardagent.FaultFeed
	logger *slog.Logger
}

// New returns a Runner for pid (child of ppid) driving disp. flog and feed
// may be nil in tests that don't care about fault reporting.
func New(pid, ppid int, disp *svcdispatch.Dispatcher, table *proctable.Processes, flog *faultlog.Log, feed *boardagent.FaultFeed, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pid: pid, ppid: ppid, disp: disp, table: table, flog: flog, feed: feed, logger: logger}
}

// Run consumes trapped syscalls from traps, handling each through the
// Dispatcher, until traps is closed or the process exits or faults. A
// Segfault outcome is recorded to the fault log and published to the fault
// feed before Run returns; an Exit outcome needs neither — EXIT already
// terminates the process inside Handle.
func (r *Runner) Run(traps <-chan *svcdispatch.Parameters) {
	for p := range traps {
		switch r.disp.Handle(p) {
		case svcdispatch.Exit:
			return
		case svcdispatch.Segfault:
			r.reportFault(p)
			return
		}
	}
}

// reportFault classifies why Handle returned Segfault, appends the
// corresponding record to the fault log, terminates the process in the
// table, and publishes the event to the live fault feed.
func (r *Runner) reportFault(p *svcdispatch.Parameters) {
	id := int(p.ID)
	unrecognized := id < int(svcdispatch.YIELD) || id > int(svcdispatch.MKFS) ||
		(id >= reservedSyscallLow && id <= reservedSyscallHigh)

	signal := kerrno.SIGSEGV
	if unrecognized {
		signal = kerrno.SIGSYS
	}

	if r.flog != nil {
		var err error
		if unrecognized {
			_, err = r.flog.RecordBadSyscall(r.pid, r.ppid, id)
		} else {
			_, err = r.flog.RecordMPUFault(r.pid, r.ppid, 0)
		}
		if err != nil {
			r.logger.Error("procrun: fault log append failed",
				slog.Int("pid", r.pid), slog.Any("error", err))
		}
	}

	r.table.Terminate(r.pid, signal)

	if r.feed != nil {
		r.feed.Publish(faultlog.FaultEvent{
			PID:     r.pid,
			PPID:    r.ppid,
			Signal:  signal,
			Syscall: id,
		})
	}

	r.logger.Warn("process faulted",
		slog.Int("pid", r.pid),
		slog.Int("ppid", r.ppid),
		slog.Int("signal", signal),
	)
}
