package tiers

import (
	"context"
	"testing"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage/filesystem"
	"attachsync/backend/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("filesystem", func(t *testing.T) {
		tier, err := Open(ctx, StoreConfig{
			ID:      "staging",
			Kind:    KindFilesystem,
			Root:    t.TempDir(),
			BaseURL: "http://cache.local/",
		}, logger)
		require.NoError(t, err)
		assert.IsType(t, &filesystem.Store{}, tier.Client)
		assert.Equal(t, "http://cache.local/:key", tier.URLTemplate)
	})

	t.Run("memory with explicit url", func(t *testing.T) {
		tier, err := Open(ctx, StoreConfig{ID: "store_1", Kind: KindMemory, URL: "http://store.local/:key"}, logger)
		require.NoError(t, err)
		assert.IsType(t, &memory.Objects{}, tier.Client)
		assert.Equal(t, domain.StoreID("store_1"), tier.ID)
		assert.Equal(t, "http://store.local/:key", tier.URLTemplate)
	})

	t.Run("bucket url substitution", func(t *testing.T) {
		tier, err := Open(ctx, StoreConfig{ID: "s", Kind: KindMemory, BaseURL: "http://bucket.local", URL: ":bucket_url/files/:key"}, logger)
		require.NoError(t, err)
		assert.Equal(t, "http://bucket.local/files/:key", tier.URLTemplate)
	})

	t.Run("unknown kind is a configuration error", func(t *testing.T) {
		_, err := Open(ctx, StoreConfig{ID: "x", Kind: "ftp"}, logger)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Open(ctx, StoreConfig{Kind: KindMemory}, logger)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestOpenSet(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	set, err := OpenSet(ctx,
		StoreConfig{Kind: KindMemory},
		[]StoreConfig{
			{ID: "store_1", Kind: KindMemory},
			{ID: "store_2", Kind: KindMemory},
		}, logger)
	require.NoError(t, err)
	assert.Equal(t, domain.StagingStoreID, set.Staging.ID)
	assert.Equal(t, []domain.StoreID{"store_1", "store_2"}, set.IDs())

	tier, err := set.Lookup("store_2")
	require.NoError(t, err)
	assert.Equal(t, domain.StoreID("store_2"), tier.ID)

	_, err = set.Lookup("store_3")
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = OpenSet(ctx, StoreConfig{Kind: KindMemory}, nil, logger)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = OpenSet(ctx, StoreConfig{Kind: KindMemory}, []StoreConfig{
		{ID: "dup", Kind: KindMemory},
		{ID: "dup", Kind: KindMemory},
	}, logger)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
