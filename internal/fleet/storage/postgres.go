package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of report rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending reports even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the fleet dashboard.
//
// Report ingestion is batched: callers enqueue individual Report values via
// BatchInsertReports, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first.  All other operations (boards,
// rules, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Report
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Report, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered reports, and closes the connection pool.  It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush.  It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertReports enqueues report for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertReports(ctx context.Context, report Report) error {
	s.mu.Lock()
	s.batch = append(s.batch, report)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current report buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip.  Rows that conflict on the primary key
// are silently ignored (idempotent replay support, since a board may resend
// an unacked report after a reconnect).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Report, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO reports
			(report_id, board_id, timestamp, kind, pid, ppid, signal, fault_addr, syscall_id, detail, severity, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		detail := []byte(r.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			r.ReportID, r.BoardID, r.Timestamp,
			string(r.Kind), r.PID, r.PPID, r.Signal, r.FaultAddr, r.SyscallID,
			detail,
			string(r.Severity), r.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec report: %w", err)
		}
	}
	return nil
}

// QueryReports returns paginated reports that fall within [q.From, q.To) on
// the received_at column.  The time-range constraint enables PostgreSQL
// partition pruning so only the relevant monthly partitions are scanned.
//
// Optional filters: q.BoardID (exact match), q.Severity (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, report_id ASC.
func (s *Store) QueryReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.BoardID != "" {
		where += fmt.Sprintf(" AND board_id = $%d", argIdx)
		args = append(args, q.BoardID)
		argIdx++
	}
	if q.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, string(*q.Severity))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT report_id, board_id, timestamp, kind, pid, ppid, signal, fault_addr, syscall_id,
		       detail, severity, received_at
		FROM   reports
		%s
		ORDER  BY received_at DESC, report_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var detail []byte
		var kind, severity string
		err := rows.Scan(
			&r.ReportID, &r.BoardID, &r.Timestamp,
			&kind, &r.PID, &r.PPID, &r.Signal, &r.FaultAddr, &r.SyscallID,
			&detail,
			&severity, &r.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Kind = ReportKind(kind)
		r.Severity = Severity(severity)
		r.Detail = detail
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Board CRUD ---

// UpsertBoard inserts a new board or, on hostname conflict, updates all
// mutable fields.  It returns the effective board_id that is persisted in
// the database: on a clean insert this equals b.BoardID; on a hostname
// conflict the existing board_id is returned unchanged, so callers always
// receive a stable identifier that correlates with historical reports even
// across board reconnects.
func (s *Store) UpsertBoard(ctx context.Context, b Board) (string, error) {
	var effectiveBoardID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO boards
			(board_id, hostname, ip_address, platform, kernel_version, last_seen, status)
		VALUES ($1, $2, $3::inet, $4, $5, $6, $7)
		ON CONFLICT (hostname) DO UPDATE SET
			ip_address     = EXCLUDED.ip_address,
			platform       = EXCLUDED.platform,
			kernel_version = EXCLUDED.kernel_version,
			last_seen      = EXCLUDED.last_seen,
			status         = EXCLUDED.status
		RETURNING board_id`,
		b.BoardID,
		b.Hostname,
		nullableStr(b.IPAddress),
		nullableStr(b.Platform),
		nullableStr(b.KernelVersion),
		b.LastSeen,
		string(b.Status),
	).Scan(&effectiveBoardID)
	if err != nil {
		return "", fmt.Errorf("upsert board: %w", err)
	}
	return effectiveBoardID, nil
}

// GetBoard returns the board with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT board_id, hostname, ip_address::text, platform, kernel_version, last_seen, status
		FROM   boards
		WHERE  board_id = $1`, boardID)
	b, err := scanBoard(row)
	if err != nil {
		return nil, fmt.Errorf("get board %s: %w", boardID, err)
	}
	return b, nil
}

// ListBoards returns all registered boards ordered alphabetically by
// hostname.
func (s *Store) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT board_id, hostname, ip_address::text, platform, kernel_version, last_seen, status
		FROM   boards
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, *b)
	}
	return boards, rows.Err()
}

// --- FaultRule CRUD ---

// CreateRule inserts a new fault rule.  The caller is responsible for
// generating rule.RuleID (e.g. a UUID string); the database default is not
// used so that the ID is available immediately in the caller's context.
func (s *Store) CreateRule(ctx context.Context, r FaultRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fault_rules (rule_id, board_id, kind, signal, severity, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RuleID,
		nullableStr(r.BoardID),
		string(r.Kind),
		r.Signal,
		string(r.Severity),
		r.Enabled,
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// GetRule fetches a single fault rule by its UUID.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*FaultRule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rule_id, board_id, kind, signal, severity, enabled
		FROM   fault_rules
		WHERE  rule_id = $1`, ruleID)
	r, err := scanRule(row)
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", ruleID, err)
	}
	return r, nil
}

// ListRules returns fault rules.  When boardID is non-empty, only rules
// explicitly assigned to that board or with a NULL board_id (global rules)
// are returned.  When boardID is empty, all rules are returned.
func (s *Store) ListRules(ctx context.Context, boardID string) ([]FaultRule, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if boardID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT rule_id, board_id, kind, signal, severity, enabled
			FROM   fault_rules
			WHERE  board_id = $1 OR board_id IS NULL
			ORDER  BY rule_id`, boardID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT rule_id, board_id, kind, signal, severity, enabled
			FROM   fault_rules
			ORDER  BY rule_id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []FaultRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateRule replaces all mutable fields of an existing fault rule.
func (s *Store) UpdateRule(ctx context.Context, r FaultRule) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE fault_rules
		SET    board_id = $2,
		       kind     = $3,
		       signal   = $4,
		       severity = $5,
		       enabled  = $6
		WHERE  rule_id = $1`,
		r.RuleID,
		nullableStr(r.BoardID),
		string(r.Kind),
		r.Signal,
		string(r.Severity),
		r.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.RuleID, err)
	}
	return nil
}

// DeleteRule removes the fault rule identified by ruleID.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fault_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	return nil
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
// The caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, board_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.BoardID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for boardID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, boardID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, board_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  board_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		boardID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.BoardID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanBoard reads one board row from s.  The ip_address column must be
// projected as ::text by the caller.
func scanBoard(s scanner) (*Board, error) {
	var b Board
	var ip, platform, kernelVersion *string
	var status string
	err := s.Scan(
		&b.BoardID, &b.Hostname,
		&ip, &platform, &kernelVersion,
		&b.LastSeen,
		&status,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BoardStatus(status)
	if ip != nil {
		b.IPAddress = *ip
	}
	if platform != nil {
		b.Platform = *platform
	}
	if kernelVersion != nil {
		b.KernelVersion = *kernelVersion
	}
	return &b, nil
}

// scanRule reads one fault_rule row from s.
func scanRule(s scanner) (*FaultRule, error) {
	var r FaultRule
	var boardID *string
	var kind, severity string
	err := s.Scan(&r.RuleID, &boardID, &kind, &r.Signal, &severity, &r.Enabled)
	if err != nil {
		return nil, err
	}
	r.Kind = ReportKind(kind)
	r.Severity = Severity(severity)
	if boardID != nil {
		r.BoardID = *boardID
	}
	return &r, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL.  A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
