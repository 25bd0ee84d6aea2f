package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttachment() *domain.Attachment {
	return &domain.Attachment{
		RecordType: "User",
		RecordID:   "1",
		Name:       "avatar",
		FileName:   "test.txt",
		SyncStates: []domain.SyncState{
			{StoreID: "store_1", Pending: true},
			{StoreID: "store_2", Pending: true},
		},
	}
}

func TestMemoryStore_AttachmentOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a := newAttachment()
	require.NoError(t, store.Save(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.SyncStates[0].Pending)

	found, err := store.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
	assert.Equal(t, "test.txt", found.FileName)
	assert.Len(t, found.SyncStates, 2)

	ok, err := store.Exists(ctx, a.Ref())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, a.Ref()))
	_, err = store.Find(ctx, a.Ref())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	ok, err = store.Exists(ctx, a.Ref())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_SaveNeverWritesTrue(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a := newAttachment()
	a.SyncStates[0].Synced = true
	a.SyncStates[0].Pending = false
	require.NoError(t, store.Save(ctx, a))

	found, err := store.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.False(t, found.State("store_1").Synced)
}

func TestMemoryStore_SaveKeepsPersistedFlags(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a := newAttachment()
	require.NoError(t, store.Save(ctx, a))

	n, err := store.MarkSynced(ctx, a.ID, "store_1", a.Generation, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 旧副本保存时不会覆盖已经写入的 true
	require.NoError(t, store.Save(ctx, a))
	found, err := store.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.True(t, found.State("store_1").Synced)

	// Pending 的行会被写回 false
	found.State("store_1").Pending = true
	require.NoError(t, store.Save(ctx, found))
	found, err = store.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.False(t, found.State("store_1").Synced)
}

func TestMemoryStore_MarkSyncedIsConditional(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a := newAttachment()
	a.Generation = 2
	require.NoError(t, store.Save(ctx, a))

	t.Run("旧代内容不能翻转标记", func(t *testing.T) {
		n, err := store.MarkSynced(ctx, a.ID, "store_1", 1, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("不跟踪的存储", func(t *testing.T) {
		n, err := store.MarkSynced(ctx, a.ID, "store_9", 2, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("已删除的记录", func(t *testing.T) {
		n, err := store.MarkSynced(ctx, "missing", "store_1", 2, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("当前代内容", func(t *testing.T) {
		n, err := store.MarkSynced(ctx, a.ID, "store_1", 2, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, store.ResetSynced(ctx, a.ID, "store_1"))
		found, err := store.Find(ctx, a.Ref())
		require.NoError(t, err)
		assert.False(t, found.State("store_1").Synced)
	})
}

func TestMemoryStore_FindReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a := newAttachment()
	require.NoError(t, store.Save(ctx, a))

	found, err := store.Find(ctx, a.Ref())
	require.NoError(t, err)
	found.FileName = "changed.txt"
	found.SyncStates[0].Synced = true

	again, err := store.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, "test.txt", again.FileName)
	assert.False(t, again.SyncStates[0].Synced)
}

func TestObjects(t *testing.T) {
	ctx := context.Background()
	objects := NewObjects("http://store.local/")

	_, err := objects.Get(ctx, "test.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, objects.Put(ctx, "test.txt", []byte("qwe"), storage.NewMetadata("text/plain")))
	data, err := objects.Get(ctx, "test.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("qwe"), data)
	assert.Equal(t, 1, objects.PutCount("test.txt"))

	meta, ok := objects.Metadata("test.txt")
	require.True(t, ok)
	assert.Equal(t, "max-age=315360000", meta.CacheControl)
	assert.Equal(t, "text/plain", meta.ContentType)

	assert.Equal(t, "http://store.local/test.txt", objects.URL("test.txt"))
	assert.Equal(t, []string{"test.txt"}, objects.Keys())

	require.NoError(t, objects.Delete(ctx, "test.txt"))
	require.NoError(t, objects.Delete(ctx, "test.txt"))
	ok, err = objects.Exists(ctx, "test.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("store unavailable")
	objects.FailPuts(boom)
	assert.ErrorIs(t, objects.Put(ctx, "x", nil, storage.Metadata{}), boom)
}
