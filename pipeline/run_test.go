package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genepulse/errors"
	gptest "github.com/teranos/genepulse/internal/testing"
	"github.com/teranos/genepulse/pulse/progress"
)

func TestRunStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(gptest.CreateTestDB(t))
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := &Run{
		ID:          "run-1",
		Status:      progress.RunIdle,
		EntityIDs:   []string{"BRCA1", "TP53"},
		Providers:   []string{"hgnc", "gtex"},
		FullRefresh: true,
		FanOut:      3,
		CreatedAt:   created,
	}
	require.NoError(t, store.Create(ctx, run))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, progress.RunIdle, got.Status)
	assert.Equal(t, run.EntityIDs, got.EntityIDs)
	assert.Equal(t, run.Providers, got.Providers)
	assert.True(t, got.FullRefresh)
	assert.Equal(t, 3, got.FanOut)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.FinishedAt)
	assert.Empty(t, got.Maintenance)

	finished := created.Add(time.Minute)
	run.Status = progress.RunPartialSuccess
	run.FinishedAt = &finished
	run.Maintenance = []TaskResult{
		{Task: TaskFlushViews, Duration: time.Millisecond},
		{Task: TaskCacheGC, Error: "value log busy"},
	}
	require.NoError(t, store.Finish(ctx, run))

	got, err = store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, progress.RunPartialSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
	assert.Equal(t, run.Maintenance, got.Maintenance)

	_, err = store.Get(ctx, "run-2")
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(store.Finish(ctx, &Run{ID: "run-2"})))
}

func TestRunStoreListAndInterrupted(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(gptest.CreateTestDB(t))

	_, err := store.Latest(ctx)
	assert.True(t, errors.IsNotFoundError(err))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []progress.RunStatus{progress.RunCompleted, progress.RunPhase2, progress.RunFinalizing}
	for i, status := range statuses {
		require.NoError(t, store.Create(ctx, &Run{
			ID:        []string{"a", "b", "c"}[i],
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "a", runs[2].ID)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)

	n, err := store.MarkInterrupted(ctx, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"b", "c"} {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, progress.RunFailed, r.Status, id)
		assert.Equal(t, "interrupted by process exit", r.Error)
		require.NotNil(t, r.FinishedAt)
	}
	r, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, r.Status)
	assert.Nil(t, r.FinishedAt)
}

func TestLoadStatus(t *testing.T) {
	ctx := context.Background()
	db := gptest.CreateTestDB(t)
	runs := NewRunStore(db)
	snapshots := progress.NewSQLStore(db)

	_, err := LoadStatus(ctx, runs, snapshots, "")
	assert.True(t, errors.IsNotFoundError(err))

	older := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldRun := &Run{ID: "run-old", Status: progress.RunPhase1, Providers: []string{"hgnc"}, CreatedAt: older}
	require.NoError(t, runs.Create(ctx, oldRun))
	finished := older.Add(time.Minute)
	oldRun.Status, oldRun.Error, oldRun.FinishedAt = progress.RunFailed, "boom", &finished
	require.NoError(t, runs.Finish(ctx, oldRun))
	require.NoError(t, runs.Create(ctx, &Run{ID: "run-new", Status: progress.RunCompleted, Providers: []string{"hgnc"}, CreatedAt: older.Add(time.Hour)}))
	require.NoError(t, snapshots.Save(ctx, progress.State{RunID: "run-new", Status: progress.RunCompleted, Phase: 3}))

	latest, err := LoadStatus(ctx, runs, snapshots, "")
	require.NoError(t, err)
	assert.Equal(t, "run-new", latest.RunID)
	assert.Equal(t, 3, latest.Phase)

	// no snapshot: described from the run record
	old, err := LoadStatus(ctx, runs, snapshots, "run-old")
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, old.Status)
	assert.Equal(t, "boom", old.Error)
	assert.Equal(t, progress.ProviderPending, old.Providers["hgnc"].Status)

	_, err = LoadStatus(ctx, runs, snapshots, "run-missing")
	assert.True(t, errors.IsNotFoundError(err))
}
