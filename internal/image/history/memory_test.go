package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

func TestMemoryAppendAssignsID(t *testing.T) {
	repo := NewMemoryRepository()
	rec := &Record{Repository: "acme/web", Branch: "main", Status: v1.BuildCompleted, QueuedAt: time.Now()}

	require.NoError(t, repo.Append(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/web", got.Repository)
}

func TestMemoryListNewestFirstWithFilter(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &Record{
			ID:         "web-" + string(rune('a'+i)),
			Repository: "acme/web",
			Branch:     "main",
			Status:     v1.BuildCompleted,
			QueuedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Append(ctx, &Record{ID: "api-a", Repository: "acme/api", Branch: "main", Status: v1.BuildFailed, QueuedAt: base}))

	web, err := repo.List(ctx, "acme/web", 0)
	require.NoError(t, err)
	require.Len(t, web, 3)
	assert.Equal(t, "web-c", web[0].ID)

	limited, err := repo.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryGetUnknown(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), "nope")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	passed := true
	rec := &Record{ID: "r1", Repository: "acme/web", Branch: "main", Status: v1.BuildCompleted, TestsPassed: &passed, QueuedAt: time.Now()}
	require.NoError(t, repo.Append(context.Background(), rec))

	got, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	*got.TestsPassed = false
	got.Digest = "mutated"

	fresh, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, *fresh.TestsPassed)
	assert.Empty(t, fresh.Digest)
}
