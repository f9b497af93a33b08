package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(
		ChromemConfig{Path: t.TempDir(), Collection: "test_fixes"},
		NewHashEmbedder(),
		zap.NewNop(),
	)
	require.NoError(t, err)
	return store
}

func TestAddAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids, err := store.AddDocuments(ctx, []Document{
		{ID: "fix-1", Content: "increase memory limit after oom kill", Metadata: map[string]string{"pattern": "resource_exhaustion"}},
		{ID: "fix-2", Content: "restart database connection pool after connection refused"},
		{ID: "fix-3", Content: "rotate expired tls certificate"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fix-1", "fix-2", "fix-3"}, ids)

	results, err := store.Search(ctx, "oom kill memory limit", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "fix-1", results[0].ID)
	assert.Equal(t, "resource_exhaustion", results[0].Metadata["pattern"])
	assert.LessOrEqual(t, len(results), 2)
}

func TestSearchEmptyIndex(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchClampsK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, []Document{{ID: "only", Content: "single document"}})
	require.NoError(t, err)

	results, err := store.Search(ctx, "single", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestAddDocumentsValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)

	_, err = store.AddDocuments(ctx, []Document{{Content: "no id"}})
	assert.Error(t, err)
}

func TestNewChromemStoreRequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder()
	ctx := context.Background()

	a, err := h.EmbedQuery(ctx, "out of memory")
	require.NoError(t, err)
	b, err := h.EmbedQuery(ctx, "out of memory")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	docs, err := h.EmbedDocuments(ctx, []string{"out of memory", "connection refused"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, a, docs[0])
	assert.NotEqual(t, docs[0], docs[1])
}
