// Package bridge is the Connection Supervisor: it accepts WebSocket
// upgrades, owns a fresh Call Manager per connection, and tears calls down
// on close/error. Grounded on helios57-NgGoRPC's
// HandleWebSocket/handleConnection accept shape and its single
// writer-goroutine-per-connection actor pattern (wsConnection/writerLoop),
// retargeted from raw HTTP/2 frames to coder/websocket JSON text messages —
// the same library sadopc-gottp's WebSocket client already depends on,
// used here from the server side via websocket.Accept.
package bridge

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/anthony/wsgrpc-bridge/internal/callmgr"
	"github.com/anthony/wsgrpc-bridge/internal/clientpool"
	"github.com/anthony/wsgrpc-bridge/internal/frame"
	"github.com/anthony/wsgrpc-bridge/internal/metrics"
	"github.com/anthony/wsgrpc-bridge/internal/registry"
)

// Supervisor accepts WebSocket connections and wires each one to a fresh
// Call Manager.
type Supervisor struct {
	log           *zap.SugaredLogger
	registry      *registry.Registry
	pool          *clientpool.Pool
	metrics       *metrics.Recorder
	defaultTarget string
}

// New builds a Supervisor. reg and pool are shared across every connection
// it accepts.
func New(log *zap.SugaredLogger, reg *registry.Registry, pool *clientpool.Pool, rec *metrics.Recorder, defaultTarget string) *Supervisor {
	return &Supervisor{log: log, registry: reg, pool: pool, metrics: rec, defaultTarget: defaultTarget}
}

// ServeHTTP upgrades the request to a WebSocket and serves it until close.
// It implements http.Handler so main can mount it directly on a mux.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warnw("failed to accept websocket upgrade", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.serve(r.Context(), conn, r.RemoteAddr)
}

func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn, remote string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single writer goroutine per connection: every outbound frame for every
	// call on this connection funnels through writeCh so socket writes never
	// interleave, the actor pattern from helios57-NgGoRPC's
	// wsConnection/writerLoop.
	writeCh := make(chan frame.Outbound, 256)
	writerDone := make(chan struct{})
	go s.writerLoop(ctx, conn, writeCh, writerDone)

	emit := func(out frame.Outbound) {
		select {
		case writeCh <- out:
		case <-ctx.Done():
		}
	}

	mgr := callmgr.New(s.log, s.registry, s.pool, s.metrics, s.defaultTarget, emit)

	s.log.Infow("websocket connection accepted", "remote", remote)
	defer s.log.Infow("websocket connection closed", "remote", remote)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Peer closed or socket error: cancel the connection context and
			// tear down every in-flight call (marking the Manager closed)
			// before closing writeCh, so a call-runner goroutine still
			// unwinding can only ever see teardown has started, never send
			// on a channel that's already closed.
			cancel()
			mgr.CloseAll()
			close(writeCh)
			<-writerDone
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		in, decodeErr := frame.Decode(data)
		if decodeErr != nil {
			emit(frame.Error("", bridgeerr.InvalidArgument, decodeErr.Error(), nil))
			continue
		}
		if !frame.IsKnownType(in.Type) {
			emit(frame.Error(in.CallID, bridgeerr.Unimplemented, "unknown frame type: "+in.Type, nil))
			continue
		}
		mgr.Dispatch(ctx, in)
	}
}

// writerLoop is the sole goroutine that ever calls conn.Write for this
// connection, draining writeCh in order until it is closed.
func (s *Supervisor) writerLoop(ctx context.Context, conn *websocket.Conn, writeCh <-chan frame.Outbound, done chan<- struct{}) {
	defer close(done)
	for out := range writeCh {
		b, err := frame.Encode(out)
		if err != nil {
			s.log.Errorw("failed to encode outbound frame", "error", err, "callId", out.CallID)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			// Socket is going away; remaining sends on writeCh are dropped
			// silently.
			return
		}
	}
}
