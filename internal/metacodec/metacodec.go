// Package metacodec converts between the bridge's JSON metadata shape and
// native gRPC metadata.MD, honoring the `-bin` binary key convention.
// Grounded on sadopc-gottp's buildMetadata (auth->metadata mapping) and
// wudi-gateway's extractMetadata (HTTP header->gRPC metadata filtering),
// generalized to the bridge's JSON scalar-or-list shape.
package metacodec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/anthony/wsgrpc-bridge/internal/frame"
)

const binSuffix = "-bin"

// ToGRPC converts a decoded JSON metadata object (map[string]any, where each
// value is either a string or a []any of strings) into gRPC metadata.MD.
// Null values are skipped; list values are appended in order; `-bin` keys
// are base64-decoded to raw bytes before being stored.
func ToGRPC(in map[string]any) (metadata.MD, error) {
	md := metadata.MD{}
	for key, v := range in {
		if v == nil {
			continue
		}
		lower := strings.ToLower(key)
		values, err := flatten(v)
		if err != nil {
			return nil, bridgeerr.Wrap("metacodec.ToGRPC", bridgeerr.InvalidArgument,
				fmt.Sprintf("invalid metadata value for key %q", key), err)
		}
		for _, sv := range values {
			if strings.HasSuffix(lower, binSuffix) {
				decoded, derr := base64.StdEncoding.DecodeString(sv)
				if derr != nil {
					return nil, bridgeerr.Wrap("metacodec.ToGRPC", bridgeerr.InvalidArgument,
						fmt.Sprintf("invalid base64 for binary metadata key %q", key), derr)
				}
				md.Append(lower, string(decoded))
				continue
			}
			md.Append(lower, sv)
		}
	}
	return md, nil
}

// flatten normalizes a JSON-decoded value (string or []any of strings) into
// an ordered []string.
func flatten(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("metadata list entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("metadata value must be a string or list of strings, got %T", v)
	}
}

// FromGRPC converts native gRPC metadata.MD into the bridge's wire Metadata
// shape, base64-re-encoding `-bin` values and preserving multi-value order.
func FromGRPC(md metadata.MD) frame.Metadata {
	out := make(frame.Metadata, len(md))
	for key, values := range md {
		lower := strings.ToLower(key)
		if strings.HasSuffix(lower, binSuffix) {
			encoded := make([]string, len(values))
			for i, v := range values {
				encoded[i] = base64.StdEncoding.EncodeToString([]byte(v))
			}
			out[lower] = encoded
			continue
		}
		out[lower] = append([]string(nil), values...)
	}
	return out
}
