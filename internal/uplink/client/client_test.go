package client_test

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/fedetft/miosix-kernel-sub002/internal/boardagent"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
	"github.com/fedetft/miosix-kernel-sub002/internal/uplink/client"
	"github.com/fedetft/miosix-kernel-sub002/internal/uplink/queue"
	"github.com/fedetft/miosix-kernel-sub002/proto/fleetpb"
)

// ---------------------------------------------------------------------------
// Mock gRPC server
// ---------------------------------------------------------------------------

// mockFleetServer is a minimal FleetUplinkServer for tests. It records every
// received FaultReport and acks each one.
//
// When closeFirstStreamAfterNEvents > 0 the FIRST stream handler returns
// io.EOF (no ack) after receiving that many events within a single stream
// invocation. Subsequent stream invocations always ack every event normally.
type mockFleetServer struct {
	fleetpb.UnimplementedFleetUplinkServer

	mu     sync.Mutex
	events []*fleetpb.FaultReport

	closeFirstStreamAfterNEvents int
	firstStreamClosed            atomic.Bool
}

func (s *mockFleetServer) RegisterBoard(_ context.Context, _ *fleetpb.RegisterRequest) (*fleetpb.RegisterResponse, error) {
	return &fleetpb.RegisterResponse{
		BoardId:      "test-board-id",
		ServerTimeUs: time.Now().UnixMicro(),
	}, nil
}

func (s *mockFleetServer) StreamFaults(stream fleetpb.FleetUplink_StreamFaultsServer) error {
	perStreamCount := 0

	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.events = append(s.events, evt)
		s.mu.Unlock()

		perStreamCount++

		if s.closeFirstStreamAfterNEvents > 0 &&
			perStreamCount >= s.closeFirstStreamAfterNEvents &&
			s.firstStreamClosed.CompareAndSwap(false, true) {
			return io.EOF
		}

		if sendErr := stream.Send(&fleetpb.Ack{Type: "ACK"}); sendErr != nil {
			return sendErr
		}
	}
}

func (s *mockFleetServer) recordedPIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int32, len(s.events))
	for i, e := range s.events {
		pids[i] = e.Pid
	}
	return pids
}

func (s *mockFleetServer) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ---------------------------------------------------------------------------
// Server/client launch helpers
// ---------------------------------------------------------------------------

func startInsecureServer(t *testing.T, svc fleetpb.FleetUplinkServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	fleetpb.RegisterFleetUplinkServer(gs, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(lis)
	}()

	t.Cleanup(func() {
		gs.GracefulStop()
		<-done
	})

	return lis.Addr().String()
}

func newInsecureClient(addr string, q client.DrainQueue) *client.GRPCClient {
	cfg := client.ClientConfig{
		Addr:         addr,
		Hostname:     "test-board",
		Platform:     "arm",
		BoardVersion: "0.0.1-test",
		MaxBackoff:   200 * time.Millisecond,
		Insecure:     true,
	}
	return client.New(cfg, q, nil)
}

func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueueN(t *testing.T, q *queue.SQLiteQueue, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		evt := faultlog.FaultEvent{
			PID:       i,
			PPID:      1,
			Signal:    11,
			FaultAddr: 0x2000,
			Timestamp: time.Now().UTC(),
		}
		if err := q.Enqueue(ctx, evt); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestGRPCClient_QueueDrainOnConnect(t *testing.T) {
	const numEvents = 5

	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, numEvents)

	c := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() == numEvents && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d events (want %d), queue depth=%d (want 0)",
			svc.recordedCount(), numEvents, q.Depth())
	}

	cancel()
	c.Stop()

	got := svc.recordedPIDs()
	for i, pid := range got {
		if int(pid) != i {
			t.Errorf("event[%d].Pid = %d, want %d", i, pid, i)
		}
	}
}

func TestGRPCClient_FaultsSentTotalCountsAckedEvents(t *testing.T) {
	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 2)

	c := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return c.FaultsSentTotal() >= 2
	}) {
		t.Fatalf("FaultsSentTotal=%d after queued events, want >=2", c.FaultsSentTotal())
	}

	liveEvt := faultlog.FaultEvent{PID: 99, Signal: 6, Timestamp: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		ok := waitFor(t, 2*time.Second, func() bool {
			return c.Send(ctx, liveEvt) == nil
		})
		if !ok {
			t.Fatalf("Send(%d) failed: channel not ready within timeout", i)
		}
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return c.FaultsSentTotal() >= 4
	}) {
		t.Fatalf("FaultsSentTotal=%d, want >=4", c.FaultsSentTotal())
	}

	cancel()
	c.Stop()
}

func TestGRPCClient_QueueDepthReflectsUndeliveredRows(t *testing.T) {
	q := openMemQueue(t)
	enqueueN(t, q, 3)

	cfg := client.ClientConfig{
		Addr:     "127.0.0.1:1",
		Insecure: true,
	}
	c := client.New(cfg, q, nil)

	if d := c.QueueDepth(); d != 3 {
		t.Errorf("QueueDepth=%d before delivery, want 3", d)
	}

	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)
	c2 := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return c2.QueueDepth() == 0
	}) {
		t.Errorf("QueueDepth=%d after drain, want 0", c2.QueueDepth())
	}

	cancel()
	c2.Stop()
}

// TestGRPCClient_StreamErrorTriggersReconnect verifies that a server-side
// stream error causes a reconnect (ReconnectTotal increments) and that all
// queued events are eventually delivered.
func TestGRPCClient_StreamErrorTriggersReconnect(t *testing.T) {
	svc := &mockFleetServer{closeFirstStreamAfterNEvents: 1}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 3)

	c := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 10*time.Second, func() bool {
		return q.Depth() == 0
	}) {
		t.Fatalf("queue not drained: depth=%d", q.Depth())
	}

	if c.ReconnectTotal() < 1 {
		t.Errorf("ReconnectTotal=%d, want >=1", c.ReconnectTotal())
	}

	if svc.recordedCount() < 3 {
		t.Errorf("server received %d events, want >=3", svc.recordedCount())
	}

	cancel()
	c.Stop()
}

func TestGRPCClient_NoQueue_LiveEventsDelivered(t *testing.T) {
	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	evt := faultlog.FaultEvent{PID: 42, Signal: 11, Timestamp: time.Now().UTC()}

	if !waitFor(t, 3*time.Second, func() bool {
		return c.Send(ctx, evt) == nil
	}) {
		t.Fatal("Send failed: channel not ready within timeout")
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() >= 1
	}) {
		t.Fatalf("server received %d events, want >=1", svc.recordedCount())
	}

	cancel()
	c.Stop()
}

func TestGRPCClient_StopIsIdempotent(t *testing.T) {
	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()
	c.Stop() // must not panic
}

func TestGRPCClient_BoardIDSetAfterRegister(t *testing.T) {
	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return c.BoardID() != ""
	}) {
		t.Error("BoardID is empty after timeout; want non-empty after registration")
	}

	cancel()
	c.Stop()

	if id := c.BoardID(); id != "test-board-id" {
		t.Errorf("BoardID = %q, want %q", id, "test-board-id")
	}
}

func TestGRPCClient_SendReturnsErrorAfterStop(t *testing.T) {
	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	c := newInsecureClient(addr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	err := c.Send(ctx, faultlog.FaultEvent{PID: 1, Signal: 4, Timestamp: time.Now()})
	if err == nil {
		t.Error("Send after Stop returned nil, want error")
	}
}

// TestGRPCClient_QueueDrainOrdering_MultiBatch verifies FIFO delivery order
// for more events than drainBatchSize (50), requiring multiple dequeue rounds.
func TestGRPCClient_QueueDrainOrdering_MultiBatch(t *testing.T) {
	const n = 75

	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	c := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 10*time.Second, func() bool {
		return svc.recordedCount() == n && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d/%d events, queue depth=%d",
			svc.recordedCount(), n, q.Depth())
	}

	cancel()
	c.Stop()

	got := svc.recordedPIDs()
	if len(got) != n {
		t.Fatalf("recorded %d events, want %d", len(got), n)
	}
	for i, pid := range got {
		if int(pid) != i {
			t.Errorf("event[%d].Pid = %d, want %d", i, pid, i)
		}
	}
}

func TestGRPCClient_MetricsAfterQueueDrain(t *testing.T) {
	const n = 10

	svc := &mockFleetServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	c := newInsecureClient(addr, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool {
		return c.FaultsSentTotal() == int64(n) && c.QueueDepth() == 0
	}) {
		t.Errorf("FaultsSentTotal=%d (want %d), QueueDepth=%d (want 0)",
			c.FaultsSentTotal(), n, c.QueueDepth())
	}

	cancel()
	c.Stop()

	if r := c.ReconnectTotal(); r != 0 {
		t.Errorf("ReconnectTotal=%d, want 0 (no errors expected)", r)
	}
}

func TestGRPCClient_InterfaceCompliance(t *testing.T) {
	var _ boardagent.Transport = (*client.GRPCClient)(nil)
}
