package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "profile:1", []byte(`{"name":"ana"}`), time.Hour))

		value, found, err := s.Get(ctx, "profile:1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte(`{"name":"ana"}`), value)
	})

	t.Run("Missing key is a miss", func(t *testing.T) {
		value, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "tmp", []byte("1"), 0))
		require.NoError(t, s.Delete(ctx, "tmp"))

		_, found, err := s.Get(ctx, "tmp")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Clear drops everything", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
		require.NoError(t, s.Clear(ctx))

		_, found, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := s.Get(cancelled, "a")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
