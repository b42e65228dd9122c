package procrun

import (
	"path/filepath"
	"testing"

	"github.com/fedetft/miosix-kernel-sub002/internal/boardagent"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/proctable"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/svcdispatch"
)

func newTestFlog(t *testing.T) *faultlog.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faultlog.jsonl")
	flog, err := faultlog.Open(path)
	if err != nil {
		t.Fatalf("faultlog.Open: %v", err)
	}
	t.Cleanup(func() { flog.Close() })
	return flog
}

func TestRunReportsUnrecognizedSyscallAsBadSyscall(t *testing.T) {
	table := proctable.New()
	pid, _ := table.Create(proctable.KernelPID, nil, nil)

	disp := svcdispatch.New(nil, nil, table, pid, nil, nil, nil, svcdispatch.NewFileTable(), elfprogram.DefaultLimits())
	flog := newTestFlog(t)
	feed := boardagent.NewFaultFeed(1, nil)

	r := New(pid, proctable.KernelPID, disp, table, flog, feed, nil)

	traps := make(chan *svcdispatch.Parameters, 1)
	traps <- &svcdispatch.Parameters{ID: svcdispatch.Syscall(9999)}
	close(traps)
	r.Run(traps)

	select {
	case evt := <-feed.Events():
		if evt.PID != pid || evt.Signal != kerrno.SIGSYS || evt.Syscall != 9999 {
			t.Fatalf("unexpected fault event: %+v", evt)
		}
	default:
		t.Fatal("expected a fault event on the feed")
	}

	if _, ok := table.Get(pid); !ok {
		t.Fatal("Terminate should not have removed the process from the table")
	}
}

func TestRunExitNeedsNoFaultReport(t *testing.T) {
	table := proctable.New()
	parentPID, _ := table.Create(proctable.KernelPID, nil, nil)
	childPID, _ := table.Create(parentPID, nil, nil)

	disp := svcdispatch.New(nil, nil, table, childPID, nil, nil, nil, svcdispatch.NewFileTable(), elfprogram.DefaultLimits())
	flog := newTestFlog(t)
	feed := boardagent.NewFaultFeed(1, nil)

	r := New(childPID, parentPID, disp, table, flog, feed, nil)

	traps := make(chan *svcdispatch.Parameters, 1)
	traps <- &svcdispatch.Parameters{ID: svcdispatch.EXIT, Words: [4]uint32{3}}
	close(traps)
	r.Run(traps)

	select {
	case evt := <-feed.Events():
		t.Fatalf("normal exit should not publish a fault event, got %+v", evt)
	default:
	}

	reapedPID, code, errno := table.Waitpid(parentPID, childPID, false)
	if errno != 0 || reapedPID != childPID {
		t.Fatalf("waitpid after exit: pid=%d errno=%d", reapedPID, errno)
	}
	if code != 3<<8 {
		t.Fatalf("exit code = %d, want %d", code, 3<<8)
	}
}
