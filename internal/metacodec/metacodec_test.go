package metacodec

import (
	"encoding/base64"
	"testing"

	"google.golang.org/grpc/metadata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGRPC(t *testing.T) {
	t.Run("skips null values", func(t *testing.T) {
		md, err := ToGRPC(map[string]any{"x": nil})
		require.NoError(t, err)
		assert.Empty(t, md)
	})

	t.Run("scalar and list values preserve order", func(t *testing.T) {
		md, err := ToGRPC(map[string]any{
			"single": "a",
			"multi":  []any{"a", "b", "c"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, md.Get("single"))
		assert.Equal(t, []string{"a", "b", "c"}, md.Get("multi"))
	})

	t.Run("-bin keys are base64 decoded", func(t *testing.T) {
		raw := []byte{0xde, 0xad, 0xbe, 0xef}
		encoded := base64.StdEncoding.EncodeToString(raw)
		md, err := ToGRPC(map[string]any{"trace-bin": encoded})
		require.NoError(t, err)
		require.Len(t, md.Get("trace-bin"), 1)
		assert.Equal(t, raw, []byte(md.Get("trace-bin")[0]))
	})

	t.Run("invalid base64 on -bin key errors", func(t *testing.T) {
		_, err := ToGRPC(map[string]any{"trace-bin": "not-base64!!"})
		require.Error(t, err)
	})
}

func TestFromGRPC(t *testing.T) {
	t.Run("round trips binary values as base64", func(t *testing.T) {
		raw := []byte{0x01, 0x02, 0x03}
		md := metadata.MD{"trace-bin": []string{string(raw)}}
		out := FromGRPC(md)
		require.Len(t, out["trace-bin"], 1)
		decoded, err := base64.StdEncoding.DecodeString(out["trace-bin"][0])
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
	})

	t.Run("text values pass through", func(t *testing.T) {
		md := metadata.MD{"server": []string{"mock"}}
		out := FromGRPC(md)
		assert.Equal(t, []string{"mock"}, out["server"])
	})
}
