// Package storage provides the PostgreSQL-backed persistence layer for the
// fleet dashboard server. It exposes typed model structs for all four
// database tables (boards, reports, fault_rules, audit_entries) and a Store
// that wraps a pgxpool connection pool with a batched report-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// ReportKind is the category of condition a board reported.
type ReportKind string

const (
	ReportKindFault          ReportKind = "FAULT"
	ReportKindLifecycle      ReportKind = "LIFECYCLE"
	ReportKindPoolExhaustion ReportKind = "POOL_EXHAUSTION"
)

// Severity is the operator-configured urgency level of a report or rule.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// BoardStatus represents the liveness state of a monitored board as seen by
// the dashboard.
type BoardStatus string

const (
	BoardStatusOnline   BoardStatus = "ONLINE"
	BoardStatusOffline  BoardStatus = "OFFLINE"
	BoardStatusDegraded BoardStatus = "DEGRADED"
)

// Board maps to the `boards` table.
//
// IPAddress is the dotted-decimal or CIDR text representation of the board's
// primary network address.  An empty string is stored as SQL NULL.
// LastSeen is nil when the board has never sent a heartbeat.
type Board struct {
	BoardID       string     `json:"board_id"`
	Hostname      string     `json:"hostname"`
	IPAddress     string     `json:"ip_address,omitempty"`
	Platform      string     `json:"platform,omitempty"`
	KernelVersion string     `json:"kernel_version,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	Status        BoardStatus `json:"status"`
}

// Report maps to the `reports` partitioned table.
//
// Its fields mirror a kernel fault event: PID/PPID identify the offending
// process, Signal is the POSIX signal number raised (0 when not applicable,
// e.g. a lifecycle report), FaultAddr is the faulting memory address for MPU
// violations, and SyscallID identifies the rejected system call for bad
// syscall reports.  Detail carries the raw JSONB payload from the database
// and round-trips without modification: bytes written to the DB are
// returned verbatim on read.  A nil Detail is stored as SQL NULL and
// returned as a nil json.RawMessage.
type Report struct {
	ReportID   string          `json:"report_id"`
	BoardID    string          `json:"board_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       ReportKind      `json:"kind"`
	PID        int             `json:"pid"`
	PPID       int             `json:"ppid"`
	Signal     int             `json:"signal,omitempty"`
	FaultAddr  uint32          `json:"fault_addr,omitempty"`
	SyscallID  int             `json:"syscall_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Severity   Severity        `json:"severity"`
	ReceivedAt time.Time       `json:"received_at"`
}

// FaultRule maps to the `fault_rules` table.
//
// A nil BoardID (empty string) means the rule applies globally to every
// board. Signal, when non-zero, restricts the rule to that POSIX signal
// number; zero matches any signal for Kind.
type FaultRule struct {
	RuleID   string     `json:"rule_id"`
	BoardID  string     `json:"board_id,omitempty"` // empty == global
	Kind     ReportKind `json:"kind"`
	Signal   int        `json:"signal,omitempty"`
	Severity Severity   `json:"severity"`
	Enabled  bool       `json:"enabled"`
}

// AuditEntry maps to the `audit_entries` table.
//
// EventHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the genesis
// entry this is a string of 64 zeros.
// Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	BoardID     string          `json:"board_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ReportQuery carries the filter and pagination parameters for QueryReports.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. A nil
// Severity means no severity filter is applied. An empty BoardID matches
// all boards.
type ReportQuery struct {
	BoardID  string
	Severity *Severity
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
