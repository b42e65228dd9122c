package boardagent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
)

// defaultFaultFeedBuffer is the channel depth used when bufSize is <= 0.
const defaultFaultFeedBuffer = 64

// FaultFeed adapts the kernel's synchronous faultlog recording calls into the
// [FaultSource] interface Agent consumes. The kernel side calls Publish
// immediately after faultlog.Log records a fault (MPU violation or bad
// syscall); FaultFeed buffers it on a channel for the
// Agent's fan-in goroutine to pick up.
//
// This mirrors the teacher's poll-based watchers (NetworkWatcher,
// FileWatcher) in shape — Start/Stop/Events() — but is push-driven rather
// than poll-driven, since the kernel already knows synchronously when a
// fault occurs; there is nothing to poll for.
type FaultFeed struct {
	logger *slog.Logger
	events chan faultlog.FaultEvent

	mu      sync.Mutex
	stopped bool
}

// NewFaultFeed creates a FaultFeed with the given channel buffer depth.
// bufSize <= 0 uses defaultFaultFeedBuffer.
func NewFaultFeed(bufSize int, logger *slog.Logger) *FaultFeed {
	if bufSize <= 0 {
		bufSize = defaultFaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FaultFeed{
		logger: logger,
		events: make(chan faultlog.FaultEvent, bufSize),
	}
}

// Publish delivers evt to the Agent's fan-in goroutine. If the buffer is
// full the event is dropped and logged — the durable copy already lives in
// the on-disk faultlog chain, so nothing is lost, only delayed reporting to
// the fleet server.
func (f *FaultFeed) Publish(evt faultlog.FaultEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	select {
	case f.events <- evt:
	default:
		f.logger.Warn("faultfeed: buffer full, dropping event from live feed",
			slog.Int("pid", evt.PID),
			slog.Int("signal", evt.Signal),
		)
	}
}

// Start implements FaultSource. FaultFeed has nothing to initialise; faults
// arrive via Publish whenever the kernel records them.
func (f *FaultFeed) Start(context.Context) error { return nil }

// Events implements FaultSource.
func (f *FaultFeed) Events() <-chan faultlog.FaultEvent { return f.events }

// Stop implements FaultSource. It marks the feed stopped and closes the
// Events channel; any further Publish calls are silently dropped instead of
// panicking on the closed channel. Calling Stop more than once is safe.
func (f *FaultFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.events)
}

var _ FaultSource = (*FaultFeed)(nil)
