// Package client implements the gRPC uplink client for a board's kernel
// agent. The [GRPCClient] satisfies the [boardagent.Transport] interface and
// manages a persistent bidirectional StreamFaults connection to the fleet
// server with the following key properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     server certificate is verified against the same CA.
//   - RegisterBoard: called once on each successful connection to obtain a
//     stable board_id that is embedded in every FaultReport.
//   - Exponential backoff: on any connection or stream error the client waits
//     an exponentially increasing interval (with ±25 % jitter) before
//     reconnecting. The back-off ceiling defaults to 60 s and is configurable
//     via [ClientConfig.MaxBackoff].
//   - Queue drain on reconnect: each time the stream is established the client
//     first drains all pending events from the local SQLite queue (oldest first)
//     before forwarding new live events. Each event is acked in the queue only
//     after the server sends an Ack.
//   - Metrics: [GRPCClient.FaultsSentTotal] and [GRPCClient.ReconnectTotal]
//     are atomic counters that increment on successful delivery and on each
//     reconnect attempt respectively. [GRPCClient.QueueDepth] reads directly
//     from the underlying queue so that [boardagent.HealthStatus.QueueDepth]
//     stays accurate.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fedetft/miosix-kernel-sub002/internal/boardagent"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
	"github.com/fedetft/miosix-kernel-sub002/internal/uplink/queue"
	"github.com/fedetft/miosix-kernel-sub002/proto/fleetpb"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of events dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live FaultEvents from Send to the stream goroutine.
	liveChanCap = 256
)

// DrainQueue is the subset of [queue.SQLiteQueue] used by GRPCClient. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in unit tests.
type DrainQueue interface {
	// Dequeue returns up to n unacknowledged events in insertion order.
	Dequeue(ctx context.Context, n int) ([]queue.PendingEvent, error)
	// Ack marks events as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) events.
	Depth() int
}

// ClientConfig holds the parameters for connecting to the fleet server.
type ClientConfig struct {
	// Addr is the fleet server gRPC address (e.g. "fleet.example.com:4443").
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded board client certificate.
	// Required when Insecure is false.
	CertPath string

	// KeyPath is the path to the PEM-encoded board private key.
	// Required when Insecure is false.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the fleet server certificate. Required when Insecure is false.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of Addr is used. Ignored when Insecure is
	// true.
	ServerName string

	// Hostname is the board host name sent in RegisterBoard. When empty
	// os.Hostname() is used.
	Hostname string

	// Platform is the OS/arch label sent in RegisterBoard (e.g. "arm").
	Platform string

	// BoardVersion is the kernel build version sent in RegisterBoard.
	BoardVersion string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in production.
	Insecure bool
}

// GRPCClient is a bidirectional gRPC uplink client that implements
// [boardagent.Transport]. It is safe for concurrent use: [Send] may be
// called from any goroutine while the internal run loop manages the stream.
//
// Use [New] to construct a GRPCClient. Call [Start] once to begin the
// connection loop. Call [Stop] to shut down cleanly.
type GRPCClient struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	// liveCh carries fault events from Send to the run-loop goroutine.
	liveCh chan faultlog.FaultEvent

	// stopCh is closed by Stop to signal the run loop to exit.
	stopCh   chan struct{}
	stopOnce sync.Once

	// done is closed by the run loop when it exits.
	done chan struct{}

	// started is set by the first Start call.
	started atomic.Bool

	// boardID is set after the first successful RegisterBoard call.
	// Protected by idMu so that both the run loop (writer) and Send callers
	// (readers) can access it safely.
	idMu    sync.RWMutex
	boardID string

	// Counters.
	faultsSentTotal atomic.Int64
	reconnectTotal  atomic.Int64
}

// New creates a new GRPCClient but does not start it. Call [Start] to begin
// the connection loop.
//
//   - cfg must have Addr set; CertPath/KeyPath/CAPath are required unless
//     cfg.Insecure is true (testing only).
//   - q is the local SQLite queue; it is used to drain pending events on
//     each reconnect. May be nil, in which case draining is skipped.
//   - logger is used for structured logging; pass slog.Default() when no
//     custom logger is required.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *GRPCClient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan faultlog.FaultEvent, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. It implements [boardagent.Transport].
//
// Start returns an error only when the client is already running. Connection
// failures are retried internally with exponential back-off and are not
// surfaced as errors from Start.
func (c *GRPCClient) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("client: already started")
	}
	go c.run(ctx)
	return nil
}

// Send forwards evt to the live channel consumed by the stream goroutine. It
// implements [boardagent.Transport].
//
// Send returns an error if the live channel is full (back-pressure from a
// slow stream) or if the client has been stopped. The caller should already
// have persisted evt to the local queue before calling Send; a failed Send
// is not fatal because the event will be re-delivered by the queue drain on
// reconnect.
func (c *GRPCClient) Send(ctx context.Context, evt faultlog.FaultEvent) error {
	select {
	case c.liveCh <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("client: stopped")
	default:
		return fmt.Errorf("client: live channel full, event will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. It implements
// [boardagent.Transport]. Calling Stop more than once is safe.
func (c *GRPCClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// FaultsSentTotal returns the total number of faults successfully
// acknowledged by the fleet server since the client was created.
func (c *GRPCClient) FaultsSentTotal() int64 { return c.faultsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts (connection
// losses) since the client was created.
func (c *GRPCClient) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. It returns 0 when
// no queue is configured.
func (c *GRPCClient) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// BoardID returns the board_id assigned by the fleet server during the most
// recent successful RegisterBoard call. It returns an empty string before
// the first successful registration.
func (c *GRPCClient) BoardID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.boardID
}

// --- internal ---

// run is the main connection loop. It runs in a background goroutine started
// by Start and exits when stopCh is closed or ctx is cancelled. On each
// connection failure it increments reconnectTotal and sleeps for an
// exponentially increasing interval with ±25 % jitter before retrying.
func (c *GRPCClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("client: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)

		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// runOnce performs a single connect → register → stream cycle. It returns
// nil only when the exit is clean (stop/context cancellation). Any other
// return value means the connection was lost and the caller should retry.
func (c *GRPCClient) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	fleetClient := fleetpb.NewFleetUplinkClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := fleetClient.RegisterBoard(regCtx, &fleetpb.RegisterRequest{
		Hostname: hostname,
		Platform: c.cfg.Platform,
		Version:  c.cfg.BoardVersion,
	})
	regCancel()
	if err != nil {
		return fmt.Errorf("RegisterBoard: %w", err)
	}

	c.idMu.Lock()
	c.boardID = resp.BoardId
	c.idMu.Unlock()

	c.logger.Info("client: registered with fleet server",
		slog.String("board_id", resp.BoardId),
		slog.String("fleet_addr", c.cfg.Addr),
	)

	stream, err := fleetClient.StreamFaults(ctx)
	if err != nil {
		return fmt.Errorf("StreamFaults: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("client: draining queue before live events",
			slog.Int("depth", c.queue.Depth()),
		)
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("client: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

// drainQueue sends all pending events from the queue to the server in FIFO
// order. For each event it:
//  1. Sends the FaultReport on the stream.
//  2. Receives the Ack response.
//  3. If the ack type is "ACK", calls Ack on the queue and increments
//     faultsSentTotal.
//
// Events whose server response is "ERROR" are left in the queue
// (delivered=0) and the drain stops after that batch, so they are retried
// on the next reconnect. Any stream
// send/recv error terminates the drain and is returned to the caller.
func (c *GRPCClient) drainQueue(ctx context.Context, stream fleetpb.FleetUplink_StreamFaultsClient) error {
	boardID := c.BoardID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		rejected := false
		for _, pe := range pending {
			if err := stream.Send(faultReport(boardID, pe.Evt)); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ack (queued): %w", err)
			}

			switch ack.Type {
			case "ACK":
				if ackErr := c.queue.Ack(ctx, []int64{pe.ID}); ackErr != nil {
					c.logger.Warn("client: queue Ack failed",
						slog.Int64("queue_id", pe.ID),
						slog.Any("error", ackErr),
					)
				} else {
					c.faultsSentTotal.Add(1)
					c.logger.Debug("client: queued fault delivered",
						slog.Int("pid", pe.Evt.PID),
					)
				}
			default:
				rejected = true
				c.logger.Warn("client: server rejected queued fault",
					slog.Int("pid", pe.Evt.PID),
					slog.String("server_response", ack.Type),
				)
			}
		}
		if rejected {
			return nil
		}
	}
}

// processLive forwards live events received from [Send] onto the gRPC
// stream. It starts a background goroutine that reads Acks and increments
// faultsSentTotal. The method returns when:
//   - ctx is cancelled,
//   - stopCh is closed,
//   - the server closes the stream (EOF), or
//   - a send or receive error occurs.
func (c *GRPCClient) processLive(ctx context.Context, stream fleetpb.FleetUplink_StreamFaultsClient) error {
	boardID := c.BoardID()

	// Receive acks from the server in a separate goroutine so that the send
	// path is not blocked waiting for each individual ack. Per the gRPC Go
	// documentation it is safe to call Send and Recv concurrently on the
	// same stream from different goroutines.
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if ack.Type == "ACK" {
				c.faultsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case evt := <-c.liveCh:
			if err := stream.Send(faultReport(boardID, evt)); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

func faultReport(boardID string, evt faultlog.FaultEvent) *fleetpb.FaultReport {
	return &fleetpb.FaultReport{
		BoardId:     boardID,
		TimestampUs: evt.Timestamp.UnixMicro(),
		Pid:         int32(evt.PID),
		Ppid:        int32(evt.PPID),
		Signal:      int32(evt.Signal),
		FaultAddr:   evt.FaultAddr,
		SyscallId:   int32(evt.Syscall),
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing only).
func (c *GRPCClient) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25 % jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}

	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)

	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

var _ boardagent.Transport = (*GRPCClient)(nil)
