// Package frame implements the bridge's JSON wire framing: decoding inbound
// tagged-union frames and encoding outbound ones. Decoding and encoding are
// pure functions over bytes/structs, kept free of any socket so they stay
// unit-testable the way grpc-proxy-study's inspectMsg/processMsg helpers are
// separated from its transport loop.
package frame

import (
	"encoding/json"
	"fmt"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
)

// Inbound frame types (client -> bridge).
const (
	TypeStart  = "start"
	TypeWrite  = "write"
	TypeEnd    = "end"
	TypeCancel = "cancel"
)

// Outbound frame types (bridge -> client).
const (
	TypeHeaders = "headers"
	TypeData    = "data"
	TypeStatus  = "status"
	TypeError   = "error"
)

// Metadata is the wire representation of gRPC metadata: an ordered,
// possibly multi-valued string map. A key with one value marshals as a
// scalar string; a key with more than one marshals as a list.
type Metadata map[string][]string

// MarshalJSON implements the scalar-or-list encoding rule.
func (m Metadata) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(m))
	for k, values := range m {
		switch len(values) {
		case 1:
			raw[k] = values[0]
		default:
			raw[k] = values
		}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON accepts either a scalar string or a list of strings per key.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = []string{t}
		case []any:
			vals := make([]string, 0, len(t))
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("metadata list entries must be strings, got %T", item)
				}
				vals = append(vals, s)
			}
			out[k] = vals
		default:
			return fmt.Errorf("metadata value must be a string or list of strings, got %T", v)
		}
	}
	*m = out
	return nil
}

// Inbound is the decoded shape of any client->bridge frame. Only the fields
// relevant to Type are populated; callers branch on Type before reading the
// rest, mirroring the tagged-union decode-then-branch style grpc-proxy-study
// already uses for its YAML route config.
type Inbound struct {
	Type     string          `json:"type"`
	CallID   string          `json:"callId"`
	Method   string          `json:"method,omitempty"`
	Target   string          `json:"target,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// BinaryFields names payload fields, as dot-path strings with a trailing
	// "[]" segment marking a repeated field, whose values are checked to be
	// valid base64 before the payload is decoded. It is applied to `write`
	// frames only; a `start` payload is decoded without it. See DESIGN.md for
	// the resolution rules.
	BinaryFields []string `json:"binaryFields,omitempty"`
}

// StatusPayload is the terminal status object carried by both `status` and
// `error` outbound frames.
type StatusPayload struct {
	Code     int      `json:"code"`
	Details  string   `json:"details"`
	Metadata Metadata `json:"metadata"`
}

// Outbound is the encoded shape of any bridge->client frame. Only the field
// matching Type is populated; omitempty keeps the JSON minimal per frame
// kind instead of emitting a sparse object with every possible field.
type Outbound struct {
	Type     string   `json:"type"`
	CallID   string   `json:"callId"`
	Metadata Metadata `json:"metadata,omitempty"`
	Payload  any      `json:"payload,omitempty"`
	Status   *StatusPayload `json:"status,omitempty"`
	Error    *StatusPayload `json:"error,omitempty"`
}

// Headers builds a `headers` outbound frame.
func Headers(callID string, md Metadata) Outbound {
	return Outbound{Type: TypeHeaders, CallID: callID, Metadata: md}
}

// Data builds a `data` outbound frame carrying an already-decoded payload
// value (typically the result of a dynamic message's MarshalJSONPB, parsed
// back into a generic JSON tree so it nests as an object in the outer frame).
func Data(callID string, payload any) Outbound {
	return Outbound{Type: TypeData, CallID: callID, Payload: payload}
}

// Status builds a terminal `status` frame.
func Status(callID string, code bridgeerr.Code, details string, md Metadata) Outbound {
	if md == nil {
		md = Metadata{}
	}
	return Outbound{Type: TypeStatus, CallID: callID, Status: &StatusPayload{
		Code: int(code), Details: details, Metadata: md,
	}}
}

// Error builds a terminal `error` frame.
func Error(callID string, code bridgeerr.Code, details string, md Metadata) Outbound {
	if md == nil {
		md = Metadata{}
	}
	return Outbound{Type: TypeError, CallID: callID, Error: &StatusPayload{
		Code: int(code), Details: details, Metadata: md,
	}}
}

// Decode parses a single WebSocket text message into an Inbound frame. A
// non-object payload or a missing `type` is reported as a malformed-frame
// error with no recoverable callId; an unknown `type` is reported separately
// by the caller (Decode itself only validates shape, not dispatch legality).
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, bridgeerr.New("frame.Decode", bridgeerr.InvalidArgument,
			fmt.Sprintf("malformed frame: %v", err))
	}
	if in.Type == "" {
		return Inbound{}, bridgeerr.New("frame.Decode", bridgeerr.InvalidArgument, "missing frame type")
	}
	return in, nil
}

// Encode serializes an outbound frame to a single JSON text message.
func Encode(out Outbound) ([]byte, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, bridgeerr.Wrap("frame.Encode", bridgeerr.Internal, "failed to encode outbound frame", err)
	}
	return b, nil
}

// IsKnownType reports whether t is one of the four inbound frame types.
func IsKnownType(t string) bool {
	switch t {
	case TypeStart, TypeWrite, TypeEnd, TypeCancel:
		return true
	default:
		return false
	}
}
