package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

func record(id string) cadastre.RunRecord {
	return cadastre.RunRecord{Client: "ACME", Report: cadastre.RunReport{RunID: id, Attempted: 1}}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRunStore(3)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, store.SaveRun(ctx, record(fmt.Sprintf("run-%d", i))))
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3, "oldest run evicted")
	require.Equal(t, "run-4", runs[0].RunID)
	require.Equal(t, "run-2", runs[2].RunID)

	runs, err = store.ListRuns(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-3", runs[0].RunID)

	runs, err = store.ListRuns(ctx, 5, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunStoreGetAndReplace(t *testing.T) {
	t.Parallel()

	store := NewRunStore(0)
	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, record("run-1")))
	updated := record("run-1")
	updated.ArtifactURI = "memory://Mapa_ACME.html"
	require.NoError(t, store.SaveRun(ctx, updated))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "memory://Mapa_ACME.html", got.ArtifactURI)

	runs, err := store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, cadastre.ErrRunNotFound)
	require.Error(t, store.SaveRun(ctx, record("")))
}
