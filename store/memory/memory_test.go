package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/bbsbot/store"
)

func TestMemoryStore(t *testing.T) {
	st := New()
	require.NoError(t, st.Put("b/2", []byte("two")))
	require.NoError(t, st.Put("b/1", []byte("one")))
	require.NoError(t, st.Put("a", []byte("x")))

	v, err := st.Get("b/1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	entries, err := st.QueryPrefix("b/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b/1", entries[0].Key)
	assert.Equal(t, "b/2", entries[1].Key)

	require.NoError(t, st.Delete("b/1"))
	_, err = st.Get("b/1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	st := New()
	buf := []byte("hello")
	require.NoError(t, st.Put("k", buf))
	buf[0] = 'j'

	v, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(v))
}
