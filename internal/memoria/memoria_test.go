package memoria

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoria/internal/config"
	"memoria/internal/dedup"
	"memoria/internal/ranker"
	"memoria/internal/scheduler"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Embedding.Provider = ""
	cfg.Dedup.ModelProvider = ""

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineSaveThenGet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	outcome, err := e.Save(ctx, "the user prefers dark mode", SaveMetadata{Project: "proj-a", Salience: 0.8})
	require.NoError(t, err)
	assert.Equal(t, dedup.OutcomeNew, outcome.Kind)
	require.NotEmpty(t, outcome.ID)

	rec, err := e.Get(outcome.ID)
	require.NoError(t, err)
	assert.Equal(t, "the user prefers dark mode", rec.Content)
	assert.Equal(t, "proj-a", rec.Project)
}

func TestEngineSaveExactDuplicateNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Save(ctx, "remember to water the plants", SaveMetadata{Project: "home"})
	require.NoError(t, err)

	second, err := e.Save(ctx, "remember to water the plants", SaveMetadata{Project: "home"})
	require.NoError(t, err)
	assert.Equal(t, dedup.OutcomeDuplicate, second.Kind)
	assert.Equal(t, first.ID, second.ID)
}

func TestEngineSearchFindsLexicalMatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "the deployment pipeline uses blue-green releases", SaveMetadata{Project: "infra"})
	require.NoError(t, err)
	_, err = e.Save(ctx, "lunch today was sandwiches", SaveMetadata{Project: "infra"})
	require.NoError(t, err)

	results, degraded, err := e.Search(ctx, "blue-green deployment pipeline", 5, ranker.Options{Project: "infra"})
	require.NoError(t, err)
	assert.True(t, degraded, "no embedding provider configured, search should degrade to lexical-only")
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "blue-green")
}

func TestEngineReviewAndArchive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	outcome, err := e.Save(ctx, "the project uses go 1.24", SaveMetadata{Project: "proj-b"})
	require.NoError(t, err)

	entry, err := e.Review(ctx, outcome.ID, "proj-b", scheduler.Good)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.ReviewCount)

	require.NoError(t, e.Archive(ctx, outcome.ID, "no longer relevant"))
	rec, err := e.Get(outcome.ID)
	require.NoError(t, err)
	assert.True(t, rec.Archived)

	results, _, err := e.Search(ctx, "go 1.24", 5, ranker.Options{Project: "proj-b"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, outcome.ID, r.ID, "archived records should be excluded by default")
	}
}

func TestEngineMaintainSucceedsWithNoEmbeddingProvider(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "a memory with no embedding provider configured", SaveMetadata{Project: "p"})
	require.NoError(t, err)

	assert.NoError(t, e.Maintain(ctx))
}
