package rest

import (
	"context"
	"time"

	"github.com/fedetft/miosix-kernel-sub002/internal/fleet/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryReports returns reports matching the given filter and pagination
	// params.
	QueryReports(ctx context.Context, q storage.ReportQuery) ([]storage.Report, error)

	// ListBoards returns all registered boards ordered alphabetically by
	// hostname.
	ListBoards(ctx context.Context) ([]storage.Board, error)

	// QueryAuditEntries returns audit entries for boardID within [from, to).
	QueryAuditEntries(ctx context.Context, boardID string, from, to time.Time) ([]storage.AuditEntry, error)
}
