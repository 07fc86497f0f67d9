// Package callmgr is the bridge's core: a per-connection table of
// callId -> CallEntry, dispatching start/write/end/cancel frames and
// driving the four RPC-shape state machines via jhump/protoreflect's
// grpcdynamic.Stub. Grounded on the per-connection call table and
// actor-style writer pattern in helios57-NgGoRPC's wsConnection/writerLoop
// (adapted from raw HTTP/2 frames to the bridge's JSON frames).
package callmgr

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/anthony/wsgrpc-bridge/internal/clientpool"
	"github.com/anthony/wsgrpc-bridge/internal/frame"
	"github.com/anthony/wsgrpc-bridge/internal/metacodec"
	"github.com/anthony/wsgrpc-bridge/internal/metrics"
	"github.com/anthony/wsgrpc-bridge/internal/registry"
)

// kind is the call shape, picked from the method descriptor's streaming
// flags (explicit per-shape types/dispatch, not dynamic event-name
// dispatch).
type kind int

const (
	kindUnary kind = iota
	kindServerStream
	kindClientStream
	kindBidi
)

func (k kind) String() string {
	switch k {
	case kindUnary:
		return "unary"
	case kindServerStream:
		return "server_stream"
	case kindClientStream:
		return "client_stream"
	case kindBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

type state int

const (
	stateOpening state = iota
	stateActive
	stateHalfClosed
)

// callEntry is the per-call record held in the connection's call table. The
// streaming handles are only populated for kindClientStream/kindBidi.
type callEntry struct {
	callID string
	kind   kind
	method string
	target string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	st        state
	inputDesc *desc.MessageDescriptor

	canceled   atomic.Bool
	terminated atomic.Bool
	endSignal  chan struct{}
	endOnce    sync.Once

	clientStream *grpcdynamic.ClientStream
	bidiStream   *grpcdynamic.BidiStream
}

func (e *callEntry) signalEnd() {
	e.endOnce.Do(func() { close(e.endSignal) })
}

// Manager owns one connection's call table. It is not safe for use after
// CloseAll has been called.
type Manager struct {
	log           *zap.SugaredLogger
	registry      *registry.Registry
	pool          *clientpool.Pool
	metrics       *metrics.Recorder
	defaultTarget string
	emitFn        func(frame.Outbound)

	mu     sync.Mutex
	calls  map[string]*callEntry
	closed bool
}

// New builds a Manager for a single connection. emit is called for every
// outbound frame generated by this connection's calls; the caller (the
// Connection Supervisor) is responsible for serializing it onto the socket.
func New(log *zap.SugaredLogger, reg *registry.Registry, pool *clientpool.Pool, rec *metrics.Recorder, defaultTarget string, emit func(frame.Outbound)) *Manager {
	return &Manager{
		log:           log,
		registry:      reg,
		pool:          pool,
		metrics:       rec,
		defaultTarget: defaultTarget,
		emitFn:        emit,
		calls:         map[string]*callEntry{},
	}
}

// emit forwards out to the connection's writer unless CloseAll has already
// run. It is guarded by the same mutex as the call table so a call-runner
// goroutine still finishing up can never send a frame after the connection
// has started tearing down its outbound channel.
func (m *Manager) emit(out frame.Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.emitFn(out)
}

// Dispatch routes one decoded inbound frame by type. It never blocks on the
// gRPC call itself; `start` spawns the call's runner goroutine and returns
// immediately.
func (m *Manager) Dispatch(ctx context.Context, in frame.Inbound) {
	switch in.Type {
	case frame.TypeStart:
		m.handleStart(ctx, in)
	case frame.TypeWrite:
		m.handleWrite(in)
	case frame.TypeEnd:
		m.handleEnd(in)
	case frame.TypeCancel:
		m.handleCancel(in)
	default:
		m.emit(frame.Error(in.CallID, bridgeerr.Unimplemented, "unknown frame type: "+in.Type, nil))
	}
}

func (m *Manager) handleStart(ctx context.Context, in frame.Inbound) {
	if in.CallID == "" || in.Method == "" {
		m.emit(frame.Error(in.CallID, bridgeerr.InvalidArgument, "start requires callId and method", nil))
		return
	}

	entry, err := m.reserve(in.CallID)
	if err != nil {
		m.emit(frame.Error(in.CallID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}

	pkgPath, serviceName, methodName, err := registry.ParseFQMethod(in.Method)
	if err != nil {
		m.abortReservation(in.CallID, err)
		return
	}

	d, err := m.registry.GetMethodDescriptor(pkgPath, serviceName, methodName)
	if err != nil {
		m.abortReservation(in.CallID, err)
		return
	}

	target := in.Target
	if target == "" {
		target = m.defaultTarget
	}
	serviceFQN := serviceName
	if pkgPath != "" {
		serviceFQN = pkgPath + "." + serviceName
	}
	stub, err := m.pool.Stub(target, serviceFQN)
	if err != nil {
		m.abortReservation(in.CallID, err)
		return
	}

	md, err := metacodec.ToGRPC(in.Metadata)
	if err != nil {
		m.abortReservation(in.CallID, err)
		return
	}

	entry.method = in.Method
	entry.target = target
	entry.inputDesc = d.Input
	switch {
	case !d.RequestStreaming && !d.ResponseStreaming:
		entry.kind = kindUnary
	case !d.RequestStreaming && d.ResponseStreaming:
		entry.kind = kindServerStream
	case d.RequestStreaming && !d.ResponseStreaming:
		entry.kind = kindClientStream
	default:
		entry.kind = kindBidi
	}

	callCtx, cancel := context.WithCancel(ctx)
	entry.ctx = callCtx
	entry.cancel = cancel
	entry.st = stateActive

	m.metrics.CallStarted(entry.kind.String())
	m.log.Debugw("call started", "callId", entry.callID, "method", entry.method, "shape", entry.kind.String(), "target", target)

	go m.run(entry, stub, d, md, in.Payload)
}

// reserve inserts a placeholder entry synchronously, closing the race
// between checking for a live callId and the slow descriptor/dial work that
// follows, enforcing the one-entry-per-callId invariant.
func (m *Manager) reserve(callID string) (*callEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[callID]; exists {
		return nil, bridgeerr.New("callmgr.reserve", bridgeerr.AlreadyExists, "callId already in use: "+callID)
	}
	entry := &callEntry{callID: callID, st: stateOpening, endSignal: make(chan struct{})}
	m.calls[callID] = entry
	return entry, nil
}

// abortReservation removes a placeholder entry inserted by reserve when the
// remaining start work (resolution, dialing) fails before any gRPC call
// exists.
func (m *Manager) abortReservation(callID string, err error) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
	m.emit(frame.Error(callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
}

func (m *Manager) handleWrite(in frame.Inbound) {
	entry := m.lookup(in.CallID)
	if entry == nil {
		m.emit(frame.Error(in.CallID, bridgeerr.NotFound, "unknown callId: "+in.CallID, nil))
		return
	}
	if entry.kind != kindClientStream && entry.kind != kindBidi {
		m.emit(frame.Error(in.CallID, bridgeerr.FailedPrecondition, "write is not valid for this call shape", nil))
		return
	}
	entry.mu.Lock()
	active := entry.st == stateActive
	entry.mu.Unlock()
	if !active {
		m.emit(frame.Error(in.CallID, bridgeerr.FailedPrecondition, "write after end/cancel is not valid", nil))
		return
	}
	m.sendPayload(entry, in.Payload, in.BinaryFields)
}

func (m *Manager) handleEnd(in frame.Inbound) {
	entry := m.lookup(in.CallID)
	if entry == nil {
		m.emit(frame.Error(in.CallID, bridgeerr.NotFound, "unknown callId: "+in.CallID, nil))
		return
	}
	if entry.kind != kindClientStream && entry.kind != kindBidi {
		return
	}
	entry.mu.Lock()
	if entry.st == stateActive {
		entry.st = stateHalfClosed
	}
	bs := entry.bidiStream
	entry.mu.Unlock()

	if bs != nil {
		_ = bs.CloseSend()
	}
	entry.signalEnd()
}

func (m *Manager) handleCancel(in frame.Inbound) {
	entry := m.lookup(in.CallID)
	if entry == nil {
		m.emit(frame.Error(in.CallID, bridgeerr.NotFound, "unknown callId: "+in.CallID, nil))
		return
	}
	m.mu.Lock()
	delete(m.calls, in.CallID)
	m.mu.Unlock()
	entry.canceled.Store(true)
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.signalEnd()
}

func (m *Manager) lookup(callID string) *callEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callID]
}

// CloseAll cancels every live call and clears the table on connection
// teardown; release runs even if cancellation of one call fails. No frames
// are emitted: the peer is gone. It also marks the Manager closed so any
// runner goroutine still unwinding can no longer reach the writer, and
// releases the live-calls gauge for every entry that won't reach finish on
// its own.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*callEntry, 0, len(m.calls))
	for _, e := range m.calls {
		entries = append(entries, e)
	}
	m.calls = map[string]*callEntry{}
	m.closed = true
	m.mu.Unlock()

	for _, e := range entries {
		e.canceled.Store(true)
		if e.cancel != nil {
			e.cancel()
		}
		e.signalEnd()
		if e.terminated.CompareAndSwap(false, true) {
			m.metrics.CallCompleted(e.kind.String(), int(bridgeerr.Canceled))
		}
	}
}

// finish removes the entry from the table, releases its live-calls gauge
// entry, and emits the terminal frame unless the call was already canceled
// (no frames after cancel). The terminated CAS guarantees this runs at most
// once per call even though a broken stream can trigger both the writer and
// reader side to observe a terminal condition independently, and races
// against CloseAll's own completion accounting for the same entry.
func (m *Manager) finish(entry *callEntry, out frame.Outbound) {
	if !entry.terminated.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	delete(m.calls, entry.callID)
	m.mu.Unlock()

	code := 0
	if out.Status != nil {
		code = out.Status.Code
	} else if out.Error != nil {
		code = out.Error.Code
	}
	m.metrics.CallCompleted(entry.kind.String(), code)

	if entry.canceled.Load() {
		return
	}
	m.emit(out)
}

func (m *Manager) emitHeaders(entry *callEntry, md metadata.MD) {
	if entry.canceled.Load() || len(md) == 0 {
		return
	}
	m.emit(frame.Headers(entry.callID, metacodec.FromGRPC(md)))
}

func (m *Manager) emitData(entry *callEntry, payload any) {
	if entry.canceled.Load() {
		return
	}
	m.emit(frame.Data(entry.callID, payload))
}

// statusFromErr classifies a gRPC-layer error into either a pass-through
// status frame (real gRPC status) or an `error` frame (local exception).
func statusFromErr(entry *callEntry, err error, trailer metadata.MD) frame.Outbound {
	st, ok := status.FromError(err)
	if ok {
		return frame.Status(entry.callID, bridgeerr.Code(st.Code()), st.Message(), metacodec.FromGRPC(trailer))
	}
	return frame.Error(entry.callID, bridgeerr.Unknown, err.Error(), nil)
}

// sendPayload decodes raw against the call's request descriptor and sends it
// into whichever streaming handle is live, surfacing failures as a terminal
// error frame (the stream is effectively broken at that point).
func (m *Manager) sendPayload(entry *callEntry, raw json.RawMessage, hints []string) {
	entry.mu.Lock()
	cs := entry.clientStream
	bs := entry.bidiStream
	inputDesc := entry.inputDesc
	entry.mu.Unlock()

	if inputDesc == nil {
		return
	}
	msg, err := decodePayload(raw, inputDesc, hints)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}

	var sendErr error
	switch {
	case cs != nil:
		sendErr = cs.SendMsg(msg)
	case bs != nil:
		sendErr = bs.SendMsg(msg)
	}
	if sendErr != nil {
		m.finish(entry, statusFromErr(entry, sendErr, nil))
	}
}
