package callmgr

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProto = `
syntax = "proto3";
package demo;

message Segment {
  // audio carries base64-encoded bytes in a plain string field, the case
  // binaryFields hints exist for: jsonpb's own bytes validation does not
  // apply here, since the wire type is string.
  string audio = 1;
}

message Clip {
  string label = 1;
  repeated Segment segments = 2;
  string raw = 3;
}
`

type clipDescs struct {
	Clip *desc.MessageDescriptor
}

func clipDescriptorReal(t *testing.T) clipDescs {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.proto")
	require.NoError(t, os.WriteFile(path, []byte(testProto), 0o644))
	parser := protoparse.Parser{ImportPaths: []string{dir}}
	fds, err := parser.ParseFiles("clip.proto")
	require.NoError(t, err)

	out := clipDescs{}
	for _, m := range fds[0].GetMessageTypes() {
		if m.GetName() == "Clip" {
			out.Clip = m
		}
	}
	require.NotNil(t, out.Clip)
	return out
}

func TestDecodePayload_EmptyIsZeroValue(t *testing.T) {
	d := clipDescriptorReal(t)
	msg, err := decodePayload(nil, d.Clip, nil)
	require.NoError(t, err)
	v, _ := msg.TryGetFieldByName("label")
	assert.Equal(t, "", v)
}

func TestDecodePayload_BinaryFieldHints(t *testing.T) {
	d := clipDescriptorReal(t)

	t.Run("valid base64 passes", func(t *testing.T) {
		raw := json.RawMessage(`{"raw":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`)
		_, err := decodePayload(raw, d.Clip, []string{"raw"})
		require.NoError(t, err)
	})

	t.Run("invalid base64 on hinted field errors", func(t *testing.T) {
		raw := json.RawMessage(`{"raw":"not-base64!!"}`)
		_, err := decodePayload(raw, d.Clip, []string{"raw"})
		require.Error(t, err)
	})

	t.Run("repeated hinted field validates every element", func(t *testing.T) {
		raw := json.RawMessage(`{"segments":[{"audio":"` + base64.StdEncoding.EncodeToString([]byte("a")) + `"},{"audio":"bad!!"}]}`)
		_, err := decodePayload(raw, d.Clip, []string{"segments[].audio"})
		require.Error(t, err)
	})

	t.Run("default heuristic catches audio field without explicit hint", func(t *testing.T) {
		raw := json.RawMessage(`{"segments":[{"audio":"bad!!"}]}`)
		_, err := decodePayload(raw, d.Clip, nil)
		require.Error(t, err)
	})
}

func TestEncodeMessage_RoundTrip(t *testing.T) {
	d := clipDescriptorReal(t)
	raw := json.RawMessage(`{"label":"x"}`)
	msg, err := decodePayload(raw, d.Clip, nil)
	require.NoError(t, err)

	out, err := encodeMessage(msg)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", m["label"])
}
