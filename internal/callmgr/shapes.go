package callmgr

import (
	"encoding/json"
	"io"

	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/anthony/wsgrpc-bridge/internal/frame"
	"github.com/anthony/wsgrpc-bridge/internal/registry"
)

// run picks the call-shape runner for entry.kind and invokes it. Each
// runner is responsible for emitting headers?/data*/terminal in order and
// calling m.finish exactly once.
func (m *Manager) run(entry *callEntry, stub grpcdynamic.Stub, d registry.Descriptor, md metadata.MD, firstPayload json.RawMessage) {
	switch entry.kind {
	case kindUnary:
		m.runUnary(entry, stub, d, md, firstPayload)
	case kindServerStream:
		m.runServerStream(entry, stub, d, md, firstPayload)
	case kindClientStream:
		m.runClientStream(entry, stub, d, md, firstPayload)
	case kindBidi:
		m.runBidiStream(entry, stub, d, md, firstPayload)
	}
}

// runUnary drives a unary call. InvokeRpc is synchronous,
// so headers are captured via grpc.Header and emitted (in program order)
// before the data frame — this satisfies the *emitted frame order*
// invariant without needing a raw streaming call for what is, on the wire,
// a single request/response exchange.
func (m *Manager) runUnary(entry *callEntry, stub grpcdynamic.Stub, d registry.Descriptor, md metadata.MD, raw json.RawMessage) {
	req, err := decodePayload(raw, d.Input, nil)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}

	ctx := metadata.NewOutgoingContext(entry.ctx, md)
	var headerMD, trailerMD metadata.MD
	resp, err := stub.InvokeRpc(ctx, d.Method, req, grpc.Header(&headerMD), grpc.Trailer(&trailerMD))
	m.emitHeaders(entry, headerMD)

	if err != nil {
		m.finish(entry, statusFromErr(entry, err, trailerMD))
		return
	}

	dm, err := asDynamic(resp)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.Internal, err.Error(), nil))
		return
	}
	payload, err := encodeMessage(dm)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}
	m.emitData(entry, payload)
	m.finish(entry, frame.Status(entry.callID, bridgeerr.OK, "OK", frame.Metadata{}))
}

// runServerStream drives a server-streaming call: one
// `data` frame per response message in arrival order, then the terminal
// frame derived from the stream's end (EOF=OK, otherwise the backend's
// status).
func (m *Manager) runServerStream(entry *callEntry, stub grpcdynamic.Stub, d registry.Descriptor, md metadata.MD, raw json.RawMessage) {
	req, err := decodePayload(raw, d.Input, nil)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}

	ctx := metadata.NewOutgoingContext(entry.ctx, md)
	stream, err := stub.InvokeRpcServerStream(ctx, d.Method, req)
	if err != nil {
		m.finish(entry, statusFromErr(entry, err, nil))
		return
	}

	if headerMD, hErr := stream.Header(); hErr == nil {
		m.emitHeaders(entry, headerMD)
	}

	for {
		resp, err := stream.RecvMsg()
		if err == io.EOF {
			m.finish(entry, frame.Status(entry.callID, bridgeerr.OK, "OK", frame.Metadata{}))
			return
		}
		if err != nil {
			m.finish(entry, statusFromErr(entry, err, stream.Trailer()))
			return
		}
		dm, err := asDynamic(resp)
		if err != nil {
			m.finish(entry, frame.Error(entry.callID, bridgeerr.Internal, err.Error(), nil))
			return
		}
		payload, err := encodeMessage(dm)
		if err != nil {
			m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
			return
		}
		m.emitData(entry, payload)
	}
}

// runClientStream drives a client-streaming call: opens the write stream,
// sends `start`'s payload as the first write if present, then waits for
// `end` (or cancellation) before closing and receiving the single response.
func (m *Manager) runClientStream(entry *callEntry, stub grpcdynamic.Stub, d registry.Descriptor, md metadata.MD, firstPayload json.RawMessage) {
	ctx := metadata.NewOutgoingContext(entry.ctx, md)
	cs, err := stub.InvokeRpcClientStream(ctx, d.Method)
	if err != nil {
		m.finish(entry, statusFromErr(entry, err, nil))
		return
	}

	entry.mu.Lock()
	entry.clientStream = cs
	entry.mu.Unlock()

	if len(firstPayload) > 0 {
		m.sendPayload(entry, firstPayload, nil)
	}

	if headerMD, hErr := cs.Header(); hErr == nil {
		m.emitHeaders(entry, headerMD)
	}

	select {
	case <-entry.endSignal:
	case <-entry.ctx.Done():
		m.finish(entry, frame.Status(entry.callID, bridgeerr.Canceled, "canceled", frame.Metadata{}))
		return
	}

	resp, err := cs.CloseAndReceive()
	if err != nil {
		m.finish(entry, statusFromErr(entry, err, cs.Trailer()))
		return
	}
	dm, err := asDynamic(resp)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.Internal, err.Error(), nil))
		return
	}
	payload, err := encodeMessage(dm)
	if err != nil {
		m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
		return
	}
	m.emitData(entry, payload)
	m.finish(entry, frame.Status(entry.callID, bridgeerr.OK, "OK", frame.Metadata{}))
}

// runBidiStream drives a bidirectional call: the request side is driven
// externally by handleWrite/handleEnd; this goroutine is the response
// reader, emitting one `data` frame per message until the server's terminal
// status.
func (m *Manager) runBidiStream(entry *callEntry, stub grpcdynamic.Stub, d registry.Descriptor, md metadata.MD, firstPayload json.RawMessage) {
	ctx := metadata.NewOutgoingContext(entry.ctx, md)
	bs, err := stub.InvokeRpcBidiStream(ctx, d.Method)
	if err != nil {
		m.finish(entry, statusFromErr(entry, err, nil))
		return
	}

	entry.mu.Lock()
	entry.bidiStream = bs
	entry.mu.Unlock()

	if len(firstPayload) > 0 {
		m.sendPayload(entry, firstPayload, nil)
	}

	if headerMD, hErr := bs.Header(); hErr == nil {
		m.emitHeaders(entry, headerMD)
	}

	for {
		resp, err := bs.RecvMsg()
		if err == io.EOF {
			m.finish(entry, frame.Status(entry.callID, bridgeerr.OK, "OK", frame.Metadata{}))
			return
		}
		if err != nil {
			m.finish(entry, statusFromErr(entry, err, bs.Trailer()))
			return
		}
		dm, err := asDynamic(resp)
		if err != nil {
			m.finish(entry, frame.Error(entry.callID, bridgeerr.Internal, err.Error(), nil))
			return
		}
		payload, err := encodeMessage(dm)
		if err != nil {
			m.finish(entry, frame.Error(entry.callID, bridgeerr.CodeOf(err), bridgeerr.MessageOf(err), nil))
			return
		}
		m.emitData(entry, payload)
	}
}
