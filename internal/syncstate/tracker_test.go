package syncstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func savedAttachment(t *testing.T, repo *memory.Store) *domain.Attachment {
	t.Helper()
	a := &domain.Attachment{
		RecordType: "User",
		RecordID:   t.Name(),
		Name:       "avatar",
		FileName:   "test.txt",
		Generation: 1,
	}
	a.EnsureState("store_1")
	a.EnsureState("store_2")
	require.NoError(t, repo.Save(context.Background(), a))
	return a
}

func TestTracker_Queries(t *testing.T) {
	tracker := NewTracker(memory.NewStore(), zap.NewNop())

	a := &domain.Attachment{}
	assert.False(t, tracker.AllSynced(a))
	assert.False(t, tracker.SupportsStore(a, "store_1"))

	a.EnsureState("store_1").Synced = true
	assert.True(t, tracker.SupportsStore(a, "store_1"))
	assert.True(t, tracker.IsSynced(a, "store_1"))
	assert.True(t, tracker.AllSynced(a))

	a.EnsureState("store_2")
	assert.False(t, tracker.AllSynced(a))
	assert.False(t, tracker.IsSynced(a, "store_3"))

	tracker.Reset(a, "store_1")
	assert.False(t, tracker.IsSynced(a, "store_1"))
	assert.True(t, a.State("store_1").Pending)

	// 不跟踪的存储不会被添加
	tracker.Reset(a, "store_3")
	assert.Nil(t, a.State("store_3"))
}

func TestTracker_MarkSynced(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore()
	tracker := NewTracker(repo, zap.NewNop())

	t.Run("成功时更新内存镜像", func(t *testing.T) {
		a := savedAttachment(t, repo)

		ok, err := tracker.MarkSynced(ctx, a, "store_1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, tracker.IsSynced(a, "store_1"))
		assert.NotNil(t, a.State("store_1").SyncedAt)

		persisted, err := repo.Find(ctx, a.Ref())
		require.NoError(t, err)
		assert.True(t, persisted.State("store_1").Synced)
		assert.False(t, persisted.State("store_2").Synced)
	})

	t.Run("内容已被替换时不更新", func(t *testing.T) {
		a := savedAttachment(t, repo)
		stale := a.Clone()

		a.Generation++
		require.NoError(t, repo.Save(ctx, a))

		ok, err := tracker.MarkSynced(ctx, stale, "store_2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, tracker.IsSynced(stale, "store_2"))
	})

	t.Run("记录已删除返回 false", func(t *testing.T) {
		a := savedAttachment(t, repo)
		require.NoError(t, repo.Delete(ctx, a.Ref()))

		ok, err := tracker.MarkSynced(ctx, a, "store_1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("不跟踪的存储", func(t *testing.T) {
		a := savedAttachment(t, repo)
		ok, err := tracker.MarkSynced(ctx, a, "store_9")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTracker_MarkPending(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore()
	tracker := NewTracker(repo, zap.NewNop())

	a := savedAttachment(t, repo)
	ok, err := tracker.MarkSynced(ctx, a, "store_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tracker.MarkPending(ctx, a, "store_1"))
	assert.False(t, tracker.IsSynced(a, "store_1"))

	persisted, err := repo.Find(ctx, a.Ref())
	require.NoError(t, err)
	assert.False(t, persisted.State("store_1").Synced)

	// 不跟踪的存储静默跳过
	assert.NoError(t, tracker.MarkPending(ctx, a, "store_9"))
}

// mockRepository 只覆盖本测试用到的方法
type mockRepository struct {
	mock.Mock
	*memory.Store
}

func (m *mockRepository) MarkSynced(ctx context.Context, id string, store domain.StoreID, generation int64, at time.Time) (int64, error) {
	args := m.Called(ctx, id, store, generation, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepository) Touch(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func TestTracker_RepositoryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("条件更新失败向上返回", func(t *testing.T) {
		repo := &mockRepository{Store: memory.NewStore()}
		repo.On("MarkSynced", mock.Anything, "id-1", domain.StoreID("store_1"), int64(0), mock.Anything).
			Return(int64(0), errors.New("db down"))
		tracker := NewTracker(repo, zap.NewNop())

		a := &domain.Attachment{ID: "id-1"}
		a.EnsureState("store_1")

		ok, err := tracker.MarkSynced(ctx, a, "store_1")
		assert.Error(t, err)
		assert.False(t, ok)
		assert.False(t, tracker.IsSynced(a, "store_1"))
		repo.AssertExpectations(t)
	})

	t.Run("touch 失败不影响结果", func(t *testing.T) {
		repo := &mockRepository{Store: memory.NewStore()}
		repo.On("MarkSynced", mock.Anything, "id-1", domain.StoreID("store_1"), int64(0), mock.Anything).
			Return(int64(1), nil)
		repo.On("Touch", mock.Anything, "id-1", mock.Anything).Return(errors.New("timeout"))
		tracker := NewTracker(repo, zap.NewNop())

		a := &domain.Attachment{ID: "id-1"}
		a.EnsureState("store_1")

		ok, err := tracker.MarkSynced(ctx, a, "store_1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, tracker.IsSynced(a, "store_1"))
		repo.AssertExpectations(t)
	})
}
