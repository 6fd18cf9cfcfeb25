package state

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	v, err := s.Load(ctx, "absent")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.Save(ctx, "queue", []byte(`{"recordings":[]}`)))
	v, err = s.Load(ctx, "queue")
	require.NoError(t, err)
	require.JSONEq(t, `{"recordings":[]}`, string(v))

	require.NoError(t, s.Save(ctx, "queue", []byte(`{"recordings":[{"id":"a"}]}`)))
	v, err = s.Load(ctx, "queue")
	require.NoError(t, err)
	require.JSONEq(t, `{"recordings":[{"id":"a"}]}`, string(v))

	require.NoError(t, s.Delete(ctx, "queue"))
	require.NoError(t, s.Delete(ctx, "queue"))
	v, err = s.Load(ctx, "queue")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Save(context.Background(), "k", buf))
	buf[0] = 'z'
	v, _ := s.Load(context.Background(), "k")
	require.Equal(t, "abc", string(v))
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore_SavedAt(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	at, err := s.SavedAt(ctx, "queue")
	require.NoError(t, err)
	require.True(t, at.IsZero())

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Save(ctx, "queue", []byte("{}")))
	at, err = s.SavedAt(ctx, "queue")
	require.NoError(t, err)
	require.True(t, at.After(before))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/nested/state.db"

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "queue", []byte(`{"maxRetries":4}`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Load(ctx, "queue")
	require.NoError(t, err)
	require.JSONEq(t, `{"maxRetries":4}`, string(v))
}
