package registry

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoProto = `
syntax = "proto3";
package demo;

message HelloRequest { string name = 1; }
message HelloReply { string message = 1; }

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply);
  rpc GreetMany (HelloRequest) returns (stream HelloReply);
  rpc AccumulateGreetings (stream HelloRequest) returns (HelloReply);
  rpc Chat (stream HelloRequest) returns (stream HelloReply);
}
`

func writeDemoProto(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.proto")
	require.NoError(t, os.WriteFile(path, []byte(demoProto), 0o644))
	return path
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := zap.NewNop().Sugar()
	r := New(log)
	require.NoError(t, r.LoadProtoFiles([]string{writeDemoProto(t)}, nil))
	return r
}

func TestParseFQMethod(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		pkg, svc, method, err := ParseFQMethod("demo.Greeter/SayHello")
		require.NoError(t, err)
		assert.Equal(t, "demo", pkg)
		assert.Equal(t, "Greeter", svc)
		assert.Equal(t, "SayHello", method)
	})

	t.Run("no slash", func(t *testing.T) {
		_, _, _, err := ParseFQMethod("demo.Greeter.SayHello")
		require.Error(t, err)
		assert.Equal(t, bridgeerr.InvalidArgument, bridgeerr.CodeOf(err))
	})

	t.Run("two slashes", func(t *testing.T) {
		_, _, _, err := ParseFQMethod("demo/Greeter/SayHello")
		require.Error(t, err)
	})
}

func TestGetMethodDescriptor(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("unary method resolves with correct shape flags", func(t *testing.T) {
		d, err := r.GetMethodDescriptor("demo", "Greeter", "SayHello")
		require.NoError(t, err)
		assert.False(t, d.RequestStreaming)
		assert.False(t, d.ResponseStreaming)
	})

	t.Run("server streaming method", func(t *testing.T) {
		d, err := r.GetMethodDescriptor("demo", "Greeter", "GreetMany")
		require.NoError(t, err)
		assert.False(t, d.RequestStreaming)
		assert.True(t, d.ResponseStreaming)
	})

	t.Run("client streaming method", func(t *testing.T) {
		d, err := r.GetMethodDescriptor("demo", "Greeter", "AccumulateGreetings")
		require.NoError(t, err)
		assert.True(t, d.RequestStreaming)
		assert.False(t, d.ResponseStreaming)
	})

	t.Run("bidi method", func(t *testing.T) {
		d, err := r.GetMethodDescriptor("demo", "Greeter", "Chat")
		require.NoError(t, err)
		assert.True(t, d.RequestStreaming)
		assert.True(t, d.ResponseStreaming)
	})

	t.Run("unknown package", func(t *testing.T) {
		_, err := r.GetMethodDescriptor("nope", "Greeter", "SayHello")
		require.Error(t, err)
		assert.Equal(t, bridgeerr.NotFound, bridgeerr.CodeOf(err))
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := r.GetMethodDescriptor("demo", "Nope", "Missing")
		require.Error(t, err)
		assert.Equal(t, bridgeerr.NotFound, bridgeerr.CodeOf(err))
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := r.GetMethodDescriptor("demo", "Greeter", "Missing")
		require.Error(t, err)
		assert.Equal(t, bridgeerr.NotFound, bridgeerr.CodeOf(err))
	})
}

func TestBuildIncludePaths(t *testing.T) {
	paths := buildIncludePaths([]string{"/a/b/x.proto"}, []string{"/inc"})
	assert.Equal(t, []string{"/inc", "/a/b"}, paths[:2])
}
