package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"convoflow/internal/capture"
	"convoflow/internal/consumer"
	"convoflow/internal/cursor"
)

type fakeCapture struct {
	mu       sync.Mutex
	calls    []string
	backfill time.Time
	err      error
}

func (f *fakeCapture) record(op string, m cursor.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+string(m))
	return f.err
}

func (f *fakeCapture) StartCapture(_ context.Context, m cursor.Mode) error { return f.record("start", m) }
func (f *fakeCapture) StopCapture(_ context.Context, m cursor.Mode) error  { return f.record("stop", m) }
func (f *fakeCapture) ResetBreaker(_ context.Context, m cursor.Mode) error { return f.record("reset", m) }
func (f *fakeCapture) DisableBackfill(context.Context) error {
	return f.record("stop", cursor.Backfill)
}

func (f *fakeCapture) EnableBackfill(_ context.Context, from time.Time) error {
	f.mu.Lock()
	f.backfill = from
	f.mu.Unlock()
	return f.record("backfill", cursor.Backfill)
}

func (f *fakeCapture) Status() []capture.ModeStatus {
	return []capture.ModeStatus{
		{Mode: cursor.Live, State: "polling", Enabled: true, TotalProcessed: 42},
		{Mode: cursor.Backfill, State: "disabled"},
	}
}

type fakeConsumer struct{ paused bool }

func (f *fakeConsumer) Name() string  { return "assembly" }
func (f *fakeConsumer) Pause()        { f.paused = true }
func (f *fakeConsumer) Resume()       { f.paused = false }
func (f *fakeConsumer) Paused() bool  { return f.paused }
func (f *fakeConsumer) Metrics() consumer.Metrics {
	return consumer.Metrics{Processed: 7, Succeeded: 6, DeadLettered: 1, Paused: f.paused}
}

type openCount int

func (n openCount) Open() int { return int(n) }

func dialBufconn(t *testing.T, b Backend) (*ControlClient, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewControlService(b))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return NewControlClient(cc), cc
}

func TestControl_CaptureOperations(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCapture{}
	cl, _ := dialBufconn(t, Backend{Capture: fc})

	require.NoError(t, cl.StartCapture(ctx, "live"))
	require.NoError(t, cl.StopCapture(ctx, "live"))
	require.NoError(t, cl.ResetBreaker(ctx, "backfill"))
	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cl.EnableBackfill(ctx, from))
	require.NoError(t, cl.DisableBackfill(ctx))

	require.Equal(t, []string{"start:live", "stop:live", "reset:backfill", "backfill:backfill", "stop:backfill"}, fc.calls)
	require.True(t, fc.backfill.Equal(from))
}

func TestControl_ErrorCodes(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCapture{}
	cl, _ := dialBufconn(t, Backend{Capture: fc})

	err := cl.StartCapture(ctx, "sideways")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Empty(t, fc.calls)

	err = cl.EnableBackfill(ctx, time.Unix(0, 0))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	fc.err = capture.ErrBreakerTripped
	err = cl.StartCapture(ctx, "live")
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	fc.err = &cursor.PersistenceError{Mode: cursor.Live, Err: context.DeadlineExceeded}
	err = cl.StopCapture(ctx, "live")
	require.Equal(t, codes.Unavailable, status.Code(err))

	err = cl.PauseConsumer(ctx)
	require.Equal(t, codes.FailedPrecondition, status.Code(err), "no consumer in this backend")
}

func TestControl_StatusAndConsumerPause(t *testing.T) {
	ctx := context.Background()
	fcon := &fakeConsumer{}
	cl, _ := dialBufconn(t, Backend{NodeID: "node-a", Capture: &fakeCapture{}, Consumer: fcon, Buffer: openCount(3)})

	require.NoError(t, cl.PauseConsumer(ctx))
	require.True(t, fcon.paused)

	st, err := cl.GetStatus(ctx)
	require.NoError(t, err)
	m := st.AsMap()
	require.Equal(t, "node-a", m["nodeId"])
	require.EqualValues(t, 3, m["openConversations"])

	modes := m["capture"].([]any)
	require.Len(t, modes, 2)
	live := modes[0].(map[string]any)
	require.Equal(t, "live", live["mode"])
	require.EqualValues(t, 42, live["totalProcessed"])

	con := m["consumer"].(map[string]any)
	require.Equal(t, true, con["paused"])
	require.EqualValues(t, 1, con["metrics"].(map[string]any)["deadLettered"])

	require.NoError(t, cl.ResumeConsumer(ctx))
	require.False(t, fcon.paused)
}

func TestServer_MultiplexesGRPCAndHTTP(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(lis, Backend{Capture: &fakeCapture{}})
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	addr := s.Addr().String()
	cl, cc, err := Dial(addr)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.StartCapture(ctx, "live"))

	hc, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ControlServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop()
	require.NoError(t, <-done)
}

func TestRouter_Status(t *testing.T) {
	h := Router(Backend{NodeID: "node-b", Buffer: openCount(0)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, "node-b", rep.NodeID)
	require.NotNil(t, rep.OpenConversations)
	require.Zero(t, *rep.OpenConversations)
	require.Nil(t, rep.Consumer)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "convoflow_")
}
