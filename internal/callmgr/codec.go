package callmgr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/protobuf/jsonpb" //nolint:staticcheck // dynamic.Message's PB helpers take this package's types
	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
)

var (
	jsonMarshaler   = &jsonpb.Marshaler{EmitDefaults: true}
	jsonUnmarshaler = &jsonpb.Unmarshaler{AllowUnknownFields: false}
)

// defaultBinaryFieldNames is the built-in heuristic applied to common field
// names such as audio/audio_content when no explicit binaryFields hint is
// passed to decodePayload. A `start` payload is always decoded without hints;
// only a `write` frame's own binaryFields list is applied.
var defaultBinaryFieldNames = map[string]bool{
	"audio":         true,
	"audio_content": true,
}

// decodePayload turns a raw JSON payload into a dynamic message of msgDesc's
// type, treating an empty payload as the message's zero value. hints are
// dot-paths with a trailing "[]" segment for repeated fields, validated as
// base64 before being handed to jsonpb's own bytes decoding (which already
// handles well-formed proto3 JSON bytes fields). See DESIGN.md.
func decodePayload(raw json.RawMessage, msgDesc *desc.MessageDescriptor, hints []string) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(msgDesc)
	if len(raw) == 0 {
		return msg, nil
	}

	if err := validateBinaryFields(raw, hints); err != nil {
		return nil, bridgeerr.Wrap("callmgr.decodePayload", bridgeerr.InvalidArgument, "invalid binary field in payload", err)
	}

	if err := msg.UnmarshalJSONPB(jsonUnmarshaler, raw); err != nil {
		return nil, bridgeerr.Wrap("callmgr.decodePayload", bridgeerr.InvalidArgument, "failed to decode payload against method's request type", err)
	}
	return msg, nil
}

// encodeMessage renders a dynamic message as a JSON-compatible tree, using
// an EmitDefaults jsonpb.Marshaler: decimal int64 strings, enum names,
// defaults materialized. A set oneof member is emitted under its own field
// name only; no extra field naming the selected oneof case is added.
func encodeMessage(msg *dynamic.Message) (any, error) {
	s, err := msg.MarshalJSONPB(jsonMarshaler)
	if err != nil {
		return nil, bridgeerr.Wrap("callmgr.encodeMessage", bridgeerr.Internal, "failed to encode response payload", err)
	}
	var v any
	if err := json.Unmarshal(s, &v); err != nil {
		return nil, bridgeerr.Wrap("callmgr.encodeMessage", bridgeerr.Internal, "failed to re-parse encoded payload", err)
	}
	return v, nil
}

// asDynamic recovers the *dynamic.Message produced by a grpcdynamic.Stub
// call. The pool never registers generated Go types with the stub's message
// factory, so every response is already backed by a dynamic message; this
// only guards against a future factory change silently returning a
// different proto.Message implementation.
func asDynamic(m any) (*dynamic.Message, error) {
	dm, ok := m.(*dynamic.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected response message type %T, want *dynamic.Message", m)
	}
	return dm, nil
}

// validateBinaryFields applies either the explicit dot-path hints or, when
// none were supplied, the built-in audio/audio_content heuristic, failing
// fast with a clear error instead of an opaque jsonpb decode failure.
func validateBinaryFields(raw json.RawMessage, hints []string) error {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return err
	}
	if len(hints) == 0 {
		return applyHeuristic(tree)
	}
	for _, hint := range hints {
		if err := validatePath(tree, strings.Split(hint, ".")); err != nil {
			return fmt.Errorf("binaryFields %q: %w", hint, err)
		}
	}
	return nil
}

func validatePath(node any, segments []string) error {
	if len(segments) == 0 {
		return validateBase64Leaf(node)
	}
	seg, repeated := strings.CutSuffix(segments[0], "[]")
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	val, present := m[seg]
	if !present || val == nil {
		return nil
	}
	if repeated {
		arr, ok := val.([]any)
		if !ok {
			return fmt.Errorf("field %q is not a list", seg)
		}
		for _, item := range arr {
			if err := validatePath(item, segments[1:]); err != nil {
				return err
			}
		}
		return nil
	}
	return validatePath(val, segments[1:])
}

func applyHeuristic(node any) error {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			if defaultBinaryFieldNames[k] {
				if err := validateBase64Leaf(val); err != nil {
					return fmt.Errorf("field %q: %w", k, err)
				}
			}
			if err := applyHeuristic(val); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := applyHeuristic(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateBase64Leaf(node any) error {
	switch v := node.(type) {
	case string:
		if _, err := base64.StdEncoding.DecodeString(v); err != nil {
			return fmt.Errorf("invalid base64: %w", err)
		}
	case []any:
		for _, item := range v {
			if err := validateBase64Leaf(item); err != nil {
				return err
			}
		}
	}
	return nil
}
