// Package boardagent contains the board-side orchestrator: it wires the
// kernel's process table and fault log to the local uplink queue and the
// fleet transport client, managing their lifecycle through a shared
// context.
package boardagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fedetft/miosix-kernel-sub002/internal/config"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
)

// FaultSource is the common interface implemented by components that emit
// fault events from the running kernel, such as [FaultFeed], which carries
// the segfault/bad-syscall records the kernel writes to faultlog. Implementations must be safe for
// concurrent use.
type FaultSource interface {
	// Start begins monitoring and sends events to the channel returned by
	// Events. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop signals the source to cease monitoring and release resources.
	// It blocks until all internal goroutines have exited.
	Stop()
	// Events returns a read-only channel from which callers receive fault
	// events. The channel is closed when the source stops.
	Events() <-chan faultlog.FaultEvent
}

// Queue is the interface for the local durable uplink queue.
type Queue interface {
	// Enqueue persists a fault event for at-least-once delivery.
	Enqueue(ctx context.Context, evt faultlog.FaultEvent) error
	// Depth returns the number of pending (unacknowledged) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Transport is the interface for the gRPC transport client that streams
// fault events to the fleet server.
type Transport interface {
	// Start dials the fleet server and begins the bidirectional stream.
	Start(ctx context.Context) error
	// Send forwards an event to the fleet server. It may block if the
	// stream is congested or reconnecting.
	Send(ctx context.Context, evt faultlog.FaultEvent) error
	// Stop gracefully closes the stream and underlying connection.
	Stop()
}

// Agent is the central orchestrator of a board's kernel agent. It starts
// and supervises all fault source, queue, and transport components.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	sources   []FaultSource
	queue     Queue
	transport Transport

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastFaultAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// New creates a new Agent from the provided configuration and logger.
// Provide fault sources, queue, and transport via the functional options
// returned by WithFaultSources, WithQueue, and WithTransport. These
// components are optional — the agent starts with zero sources and no-op
// stubs for any component that is not provided, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithFaultSources registers one or more fault source components with the
// agent.
func WithFaultSources(ss ...FaultSource) Option {
	return func(a *Agent) {
		a.sources = append(a.sources, ss...)
	}
}

// WithQueue registers the local uplink queue.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithTransport registers the gRPC transport client.
func WithTransport(t Transport) Option {
	return func(a *Agent) { a.transport = t }
}

// Start initialises and starts all registered components using the provided
// context. It returns a non-nil error if any component fails to initialise.
// On success, internal goroutines handle ongoing event processing until Stop
// is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("boardagent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting board agent",
		slog.String("fleet_addr", a.cfg.FleetAddr),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Int("num_processes", len(a.cfg.Processes)),
	)

	// Start transport first so fault sources can deliver events immediately.
	if a.transport != nil {
		if err := a.transport.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("boardagent: transport failed to start: %w", err)
		}
	}

	// Start all registered fault sources.
	for i, s := range a.sources {
		if err := s.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("boardagent: fault source[%d] failed to start: %w", i, err)
		}
		// Fan-in: read events from each source.
		a.wg.Add(1)
		go a.processEvents(ctx, s)
	}

	a.logger.Info("board agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal goroutines
// to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	for _, s := range a.sources {
		s.Stop()
	}

	a.wg.Wait()

	if a.transport != nil {
		a.transport.Stop()
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing uplink queue", slog.Any("error", err))
		}
	}

	a.logger.Info("board agent stopped")
}

// processEvents reads FaultEvents from source s, enqueues them for durable
// storage, and forwards them to the transport. It exits when the source's
// event channel is closed or ctx is cancelled.
func (a *Agent) processEvents(ctx context.Context, s FaultSource) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, evt)
		}
	}
}

// handleEvent records the event in the local queue and forwards it to the
// transport. Errors are logged but do not stop the agent.
func (a *Agent) handleEvent(ctx context.Context, evt faultlog.FaultEvent) {
	a.mu.Lock()
	a.lastFaultAt = evt.Timestamp
	a.mu.Unlock()

	a.logger.Info("fault event received",
		slog.Int("pid", evt.PID),
		slog.Int("signal", evt.Signal),
	)

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to enqueue fault event", slog.Any("error", err))
		}
	}

	if a.transport != nil {
		if err := a.transport.Send(ctx, evt); err != nil {
			a.logger.Warn("failed to send fault event via transport", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth"`
	LastFaultAt string  `json:"last_fault_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}

	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}

	if !a.lastFaultAt.IsZero() {
		h.LastFaultAt = a.lastFaultAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
