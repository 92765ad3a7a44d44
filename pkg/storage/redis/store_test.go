package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-coordination/pkg/storage"
)

func TestStore_GetSetDelete(t *testing.T) {
	_, client := setupRedis(t)
	s := NewStore(client)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, s.Set(ctx, "events:envelope:1", []byte(`{"a":1}`), time.Hour))
	got, err := s.Get(ctx, "events:envelope:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, s.Delete(ctx, "events:envelope:1"))
	_, err = s.Get(ctx, "events:envelope:1")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_TTL(t *testing.T) {
	mini, client := setupRedis(t)
	s := NewStore(client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	mini.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "k")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_SetNX(t *testing.T) {
	_, client := setupRedis(t)
	s := NewStore(client)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_BoundedList(t *testing.T) {
	mini, client := setupRedis(t)
	s := NewStore(client)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.PushBounded(ctx, "events:recent", []byte(v), 3, time.Hour))
	}

	items, err := s.Range(ctx, "events:recent")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "d", string(items[0]))
	assert.Equal(t, "b", string(items[2]))
	assert.Equal(t, time.Hour, mini.TTL("events:recent"))

	n, err := s.RemoveFromList(ctx, "events:recent", []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, _ = s.Range(ctx, "events:recent")
	assert.Len(t, items, 2)
}

func TestStore_BackendDown(t *testing.T) {
	mini, client := setupRedis(t)
	s := NewStore(client)
	mini.Close()

	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, storage.IsNotFound(err))
}
