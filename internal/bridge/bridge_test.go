package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthony/wsgrpc-bridge/examples/mockbackend"
	"github.com/anthony/wsgrpc-bridge/internal/clientpool"
	"github.com/anthony/wsgrpc-bridge/internal/frame"
	"github.com/anthony/wsgrpc-bridge/internal/metrics"
	"github.com/anthony/wsgrpc-bridge/internal/registry"
)

// harness wires a real mock gRPC backend behind a Supervisor served over an
// httptest server, so tests drive the bridge through an actual WebSocket
// rather than calling the Call Manager directly.
type harness struct {
	wsURL string
	stop  func()
}

func setupHarness(t *testing.T) *harness {
	t.Helper()

	backend, err := mockbackend.New()
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = backend.Serve(lis) }()

	dir := t.TempDir()
	protoPath := filepath.Join(dir, "demo.proto")
	require.NoError(t, os.WriteFile(protoPath, []byte(mockbackend.ProtoSource), 0o644))

	log := zap.NewNop().Sugar()
	reg := registry.New(log)
	require.NoError(t, reg.LoadProtoFiles([]string{protoPath}, nil))
	pool := clientpool.New(log, clientpool.Credentials{})
	rec := metrics.New(prometheus.NewRegistry())

	sup := New(log, reg, pool, rec, lis.Addr().String())
	srv := httptest.NewServer(http.HandlerFunc(sup.ServeHTTP))

	return &harness{
		wsURL: "ws" + srv.URL[len("http"):],
		stop: func() {
			srv.Close()
			backend.Stop()
			_ = pool.Close()
		},
	}
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL, nil)
	require.NoError(t, err)
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, b))
}

func recvFrame(t *testing.T, conn *websocket.Conn) frame.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out frame.Outbound
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestSupervisor_UnaryRoundTrip(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, map[string]any{
		"type": "start", "callId": "u1", "method": "demo.Greeter/SayHello",
		"payload": map[string]any{"name": "Alice"},
	})

	headers := recvFrame(t, conn)
	assert.Equal(t, frame.TypeHeaders, headers.Type)

	data := recvFrame(t, conn)
	assert.Equal(t, frame.TypeData, data.Type)
	assert.Equal(t, map[string]any{"message": "Hello, Alice!"}, data.Payload)

	status := recvFrame(t, conn)
	assert.Equal(t, frame.TypeStatus, status.Type)
	assert.Equal(t, 0, status.Status.Code)
}

func TestSupervisor_UnknownFrameType(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendJSON(t, conn, map[string]any{"type": "bogus", "callId": "x"})
	errFrame := recvFrame(t, conn)
	assert.Equal(t, frame.TypeError, errFrame.Type)
}

func TestSupervisor_MalformedFrame(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	conn := dial(t, h)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("not json")))
	errFrame := recvFrame(t, conn)
	assert.Equal(t, frame.TypeError, errFrame.Type)
}

func TestSupervisor_ConnectionCloseEndsCallsSilently(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	conn := dial(t, h)
	sendJSON(t, conn, map[string]any{"type": "start", "callId": "b1", "method": "demo.Greeter/Chat"})
	_ = recvFrame(t, conn) // headers

	// Closing the socket must not panic or hang the Supervisor's serve loop;
	// there is nothing further to assert from this side since the peer is
	// gone, but a second connection must still work cleanly afterward.
	conn.Close(websocket.StatusNormalClosure, "")

	conn2 := dial(t, h)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	sendJSON(t, conn2, map[string]any{
		"type": "start", "callId": "u2", "method": "demo.Greeter/SayHello",
		"payload": map[string]any{"name": "Bob"},
	})
	headers := recvFrame(t, conn2)
	assert.Equal(t, frame.TypeHeaders, headers.Type)
}
