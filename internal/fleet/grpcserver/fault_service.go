// Package grpcserver: the FleetUplink service implementation.
//
// FaultService handles the two RPCs boards use to phone home:
//
//   - RegisterBoard — records or updates the board's identity.
//   - StreamFaults  — receives a bidirectional stream of FaultReports,
//     validates each one, persists valid reports to PostgreSQL, and fans
//     every successfully persisted report to the WebSocket broadcaster so
//     connected dashboard sessions receive real-time updates.
//
// Broadcaster fan-out is performed with a non-blocking send so that a slow
// or disconnected WebSocket consumer never applies back-pressure to the
// gRPC stream goroutine.
package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fedetft/miosix-kernel-sub002/internal/fleet/storage"
	"github.com/fedetft/miosix-kernel-sub002/proto/fleetpb"
)

// Store is the subset of the storage layer used by FaultService.
type Store interface {
	// UpsertBoard inserts or updates a board record and returns the
	// effective board_id persisted in the database. On a first insert the
	// supplied b.BoardID is stored and returned; on a hostname conflict the
	// pre-existing board_id is returned unchanged, giving callers a stable
	// identifier across board reconnects.
	UpsertBoard(ctx context.Context, b storage.Board) (string, error)
	BatchInsertReports(ctx context.Context, r storage.Report) error
}

// Broadcaster is the subset of the websocket.Broadcaster interface used by
// FaultService. Declaring a local interface (rather than importing the
// concrete type) makes the service trivially testable with a stub.
type Broadcaster interface {
	Publish(r storage.Report)
}

// FaultService implements fleetpb.FleetUplinkServer. It validates incoming
// board fault reports, persists them to PostgreSQL, and publishes each
// persisted report to the WebSocket broadcaster for real-time browser
// delivery.
type FaultService struct {
	fleetpb.UnimplementedFleetUplinkServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxReportAgeSecs is the maximum age of a reported event relative to
	// the server clock. Reports older than this are rejected as stale.
	maxReportAgeSecs int64
}

// NewFaultService creates a FaultService.
//
//   - store must be an open, ready-to-use storage.Store (or a test stub).
//   - broadcaster must be a running websocket.Broadcaster (or a test stub).
//   - maxReportAgeSecs is the tolerated clock skew window; <=0 uses the
//     default of 300 seconds (5 minutes).
func NewFaultService(store Store, broadcaster Broadcaster, logger *slog.Logger, maxReportAgeSecs int64) *FaultService {
	if maxReportAgeSecs <= 0 {
		maxReportAgeSecs = 300
	}
	return &FaultService{
		store:            store,
		broadcaster:      broadcaster,
		logger:           logger,
		maxReportAgeSecs: maxReportAgeSecs,
	}
}

// RegisterBoard implements fleetpb.FleetUplinkServer.RegisterBoard.
//
// It upserts a Board record in the database, deriving the hostname from the
// mTLS client-certificate CN when available, falling back to the hostname
// field in the request.
func (s *FaultService) RegisterBoard(ctx context.Context, req *fleetpb.RegisterRequest) (*fleetpb.RegisterResponse, error) {
	hostname := req.GetHostname()

	// Prefer the CN embedded in the client certificate over the
	// self-reported hostname so that identity is tied to the PKI, not the
	// board's claim.
	if cn, ok := BoardCNFromContext(ctx); ok {
		hostname = cn
	}

	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register_board: hostname must not be empty")
	}

	now := time.Now().UTC()
	// Generate a candidate UUID for new registrations. UpsertBoard uses
	// ON CONFLICT (hostname) DO UPDATE ... RETURNING board_id, so if a
	// board with the same hostname already exists the DB returns the
	// pre-existing UUID and candidateID is discarded. This guarantees that
	// every board reconnect receives the same stable board_id, preserving
	// report correlation across disconnects.
	candidateID := uuid.NewString()
	board := storage.Board{
		BoardID:       candidateID,
		Hostname:      hostname,
		Platform:      req.GetPlatform(),
		KernelVersion: req.GetVersion(),
		LastSeen:      &now,
		Status:        storage.BoardStatusOnline,
	}

	effectiveBoardID, err := s.store.UpsertBoard(ctx, board)
	if err != nil {
		s.logger.Error("register_board: upsert board failed",
			slog.String("hostname", hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_board: store: %v", err)
	}

	s.logger.Info("board registered",
		slog.String("board_id", effectiveBoardID),
		slog.String("hostname", hostname),
		slog.String("platform", req.GetPlatform()),
	)

	return &fleetpb.RegisterResponse{
		BoardId:      effectiveBoardID,
		ServerTimeUs: now.UnixMicro(),
	}, nil
}

// StreamFaults implements fleetpb.FleetUplinkServer.StreamFaults.
//
// The method reads FaultReport messages from the board stream until EOF or
// context cancellation. For each valid report it:
//  1. Validates required fields and timestamp bounds.
//  2. Persists the report via store.BatchInsertReports (batched, flushed on
//     a timer or size threshold).
//  3. Publishes the report to the WebSocket broadcaster using a
//     non-blocking send so slow or disconnected clients cannot stall this
//     goroutine.
//  4. Sends an Ack back to the board.
//
// Invalid reports receive an error Ack and are not written to the database.
func (s *FaultService) StreamFaults(stream fleetpb.FleetUplink_StreamFaultsServer) error {
	ctx := stream.Context()

	for {
		fr, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Context cancellation and deadline exceeded are normal
			// closure (e.g. board reboot, uplink timeout); all other
			// errors are genuine transport failures.
			if ctx.Err() != nil || status.Code(err) == codes.Canceled || status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("stream_faults: stream closed", slog.Any("reason", err))
				return nil
			}
			return err
		}

		report, validationErr := s.validateAndConvert(fr)
		if validationErr != nil {
			s.logger.Warn("stream_faults: invalid report rejected",
				slog.String("fault_id", fr.GetFaultId()),
				slog.String("reason", validationErr.Error()),
			)
			if sendErr := stream.Send(errorAck(fr.GetFaultId(), validationErr)); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := s.store.BatchInsertReports(ctx, *report); err != nil {
			s.logger.Error("stream_faults: persist report failed",
				slog.String("report_id", report.ReportID),
				slog.Any("error", err),
			)
			if sendErr := stream.Send(errorAck(fr.GetFaultId(), err)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Fan the persisted report to all connected WebSocket subscribers.
		// This is a non-blocking call: Broadcaster.Publish uses a
		// select/default so a stalled subscriber never blocks this
		// goroutine.
		s.broadcaster.Publish(*report)

		s.logger.Info("stream_faults: report persisted and broadcast",
			slog.String("report_id", report.ReportID),
			slog.String("board_id", report.BoardID),
			slog.String("kind", string(report.Kind)),
			slog.String("severity", string(report.Severity)),
		)

		if sendErr := stream.Send(ackReport(report.ReportID)); sendErr != nil {
			return sendErr
		}
	}
}

// validateAndConvert checks that fr carries all required fields and
// converts it to a storage.Report ready for insertion.
//
// Validation rules:
//   - fault_id, board_id must be non-empty.
//   - timestamp_us must be within [now - maxReportAgeSecs, now + 60s].
//   - pid must be >= 0.
func (s *FaultService) validateAndConvert(fr *fleetpb.FaultReport) (*storage.Report, error) {
	if fr.GetFaultId() == "" {
		return nil, fmt.Errorf("fault_id is required")
	}
	if fr.GetBoardId() == "" {
		return nil, fmt.Errorf("board_id is required")
	}
	if fr.GetPid() < 0 {
		return nil, fmt.Errorf("pid %d must not be negative", fr.GetPid())
	}

	if fr.GetTimestampUs() == 0 {
		return nil, fmt.Errorf("timestamp_us is required")
	}
	ts := time.UnixMicro(fr.GetTimestampUs()).UTC()
	now := time.Now().UTC()
	if ts.Before(now.Add(-time.Duration(s.maxReportAgeSecs) * time.Second)) {
		return nil, fmt.Errorf("timestamp_us %d is too old (>%ds)", fr.GetTimestampUs(), s.maxReportAgeSecs)
	}
	if ts.After(now.Add(60 * time.Second)) {
		return nil, fmt.Errorf("timestamp_us %d is too far in the future (>60s)", fr.GetTimestampUs())
	}

	severity := severityForSignal(fr.GetSignal())

	return &storage.Report{
		ReportID:   fr.GetFaultId(),
		BoardID:    fr.GetBoardId(),
		Timestamp:  ts,
		Kind:       storage.ReportKindFault,
		PID:        int(fr.GetPid()),
		PPID:       int(fr.GetPpid()),
		Signal:     int(fr.GetSignal()),
		FaultAddr:  fr.GetFaultAddr(),
		SyscallID:  int(fr.GetSyscallId()),
		Severity:   severity,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// severityForSignal assigns a default Severity for a fault report that
// carries no explicit severity field of its own (FaultReport has none;
// severity is derived server-side from the signal, matching the way
// fault_rules later lets an operator override it per board/kind/signal).
// SIGSEGV/SIGBUS/SIGILL (memory and instruction faults) are CRITICAL;
// everything else defaults to WARN.
func severityForSignal(signal int32) storage.Severity {
	switch signal {
	case 11, 7, 4: // SIGSEGV, SIGBUS, SIGILL
		return storage.SeverityCritical
	default:
		return storage.SeverityWarn
	}
}

// ackReport builds a successful Ack response.
func ackReport(reportID string) *fleetpb.Ack {
	payload, _ := json.Marshal(map[string]string{"fault_id": reportID})
	return &fleetpb.Ack{
		Type:    "ACK",
		Payload: payload,
	}
}

// errorAck builds an error Ack response containing the rejection reason.
func errorAck(reportID string, err error) *fleetpb.Ack {
	payload, _ := json.Marshal(map[string]string{
		"fault_id": reportID,
		"error":    err.Error(),
	})
	return &fleetpb.Ack{
		Type:    "ERROR",
		Payload: payload,
	}
}
