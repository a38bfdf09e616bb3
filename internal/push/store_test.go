package push

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "push.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dbPath
}

func TestStore_SaveListDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "https://push.example/ep1", "key1", "auth1"))
	require.NoError(t, s.Save(ctx, "https://push.example/ep2", "key2", "auth2"))

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "https://push.example/ep1", subs[0].Endpoint)
	require.Equal(t, "key1", subs[0].P256dh)
	require.Equal(t, "auth1", subs[0].Auth)

	require.NoError(t, s.Delete(ctx, "https://push.example/ep1"))
	subs, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "https://push.example/ep2", subs[0].Endpoint)

	// Deleting an unknown endpoint is a no-op.
	require.NoError(t, s.Delete(ctx, "https://push.example/gone"))
}

func TestStore_SaveUpsertsByEndpoint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "https://push.example/ep", "old-key", "old-auth"))
	require.NoError(t, s.Save(ctx, "https://push.example/ep", "new-key", "new-auth"))

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "new-key", subs[0].P256dh)
	require.Equal(t, "new-auth", subs[0].Auth)
}

func TestStore_VAPIDKeysPersist(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	pub1, priv1, err := s.VAPIDKeys(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pub1)
	require.NotEmpty(t, priv1)

	// Same keys on repeat lookup.
	pub2, priv2, err := s.VAPIDKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)

	// And across a reopen.
	require.NoError(t, s.Close())
	reopened, err := NewStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	pub3, priv3, err := reopened.VAPIDKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, pub1, pub3)
	require.Equal(t, priv1, priv3)
}
