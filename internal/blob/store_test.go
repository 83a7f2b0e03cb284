package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put([]byte("hello world"))
	require.NoError(t, err)
	assert.Len(t, ref, 64)

	data, err := s.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, s.Has(ref))
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a, err := s.Put([]byte("same content"))
	require.NoError(t, err)
	b, err := s.Put([]byte("same content"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGetMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	assert.Error(t, err)
	assert.False(t, s.Has("x"))
}
