package frame

import (
	"testing"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("valid start frame", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"start","callId":"u1","method":"demo.Greeter/SayHello","payload":{"name":"Alice"}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeStart, in.Type)
		assert.Equal(t, "u1", in.CallID)
		assert.Equal(t, "demo.Greeter/SayHello", in.Method)
	})

	t.Run("non-json payload", func(t *testing.T) {
		_, err := Decode([]byte(`not json`))
		require.Error(t, err)
		assert.Equal(t, bridgeerr.InvalidArgument, bridgeerr.CodeOf(err))
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"callId":"u1"}`))
		require.Error(t, err)
		assert.Equal(t, bridgeerr.InvalidArgument, bridgeerr.CodeOf(err))
	})
}

func TestEncode(t *testing.T) {
	t.Run("status frame omits unrelated fields", func(t *testing.T) {
		out := Status("u1", bridgeerr.OK, "OK", nil)
		b, err := Encode(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"status","callId":"u1","status":{"code":0,"details":"OK","metadata":{}}}`, string(b))
	})

	t.Run("headers frame with single value scalarizes", func(t *testing.T) {
		out := Headers("u1", Metadata{"server": {"mock"}})
		b, err := Encode(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"headers","callId":"u1","metadata":{"server":"mock"}}`, string(b))
	})

	t.Run("headers frame with multi value lists", func(t *testing.T) {
		out := Headers("u1", Metadata{"x": {"a", "b"}})
		b, err := Encode(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"headers","callId":"u1","metadata":{"x":["a","b"]}}`, string(b))
	})
}

func TestIsKnownType(t *testing.T) {
	assert.True(t, IsKnownType(TypeStart))
	assert.True(t, IsKnownType(TypeCancel))
	assert.False(t, IsKnownType("foo"))
}
