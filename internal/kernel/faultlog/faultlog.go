// Package faultlog records abnormal process termination — MPU violations,
// unrecognized syscalls, and other hardware faults the dispatcher maps to
// Segfault — into a tamper-evident, hash-chained log, reusing the same
// append-only chain construction the fleet uplink's audit trail uses.
package faultlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fedetft/miosix-kernel-sub002/internal/audit"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/kerrno"
)

// FaultEvent is one abnormal-termination record.
type FaultEvent struct {
	PID       int       `json:"pid"`
	PPID      int       `json:"ppid"`
	Signal    int       `json:"signal"`
	FaultAddr uint32    `json:"fault_addr,omitempty"`
	Syscall   int       `json:"syscall,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a hash-chained, append-only fault log. Create one with Open.
type Log struct {
	logger *audit.Logger
}

// Open opens (or creates) the fault log at path, restoring chain state from
// any existing entries exactly as audit.Open does.
func Open(path string) (*Log, error) {
	l, err := audit.Open(path)
	if err != nil {
		return nil, fmt.Errorf("faultlog: %w", err)
	}
	return &Log{logger: l}, nil
}

// RecordMPUFault records a SIGSEGV: a process thread touched memory outside
// its MPU Configuration's permitted regions.
func (l *Log) RecordMPUFault(pid, ppid int, faultAddr uint32) (audit.Entry, error) {
	return l.record(FaultEvent{PID: pid, PPID: ppid, Signal: kerrno.SIGSEGV, FaultAddr: faultAddr})
}

// RecordBadSyscall records a SIGSYS: the dispatcher received an
// unrecognized syscall ID.
func (l *Log) RecordBadSyscall(pid, ppid int, syscallID int) (audit.Entry, error) {
	return l.record(FaultEvent{PID: pid, PPID: ppid, Signal: kerrno.SIGSYS, Syscall: syscallID})
}

func (l *Log) record(evt FaultEvent) (audit.Entry, error) {
	evt.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("faultlog: marshal event: %w", err)
	}
	return l.logger.Append(payload)
}

// Close flushes and closes the underlying log file.
func (l *Log) Close() error {
	return l.logger.Close()
}

// Verify re-reads the log at path and checks the full hash chain, returning
// every FaultEvent in order.
func Verify(path string) ([]FaultEvent, error) {
	entries, err := audit.Verify(path)
	if err != nil {
		return nil, fmt.Errorf("faultlog: %w", err)
	}
	out := make([]FaultEvent, 0, len(entries))
	for _, e := range entries {
		var evt FaultEvent
		if err := json.Unmarshal(e.Payload, &evt); err != nil {
			return nil, fmt.Errorf("faultlog: unmarshal entry seq %d: %w", e.Seq, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
