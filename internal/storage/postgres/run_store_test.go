package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

func sampleRun() cadastre.RunRecord {
	start := time.Unix(1700000000, 0).UTC()
	return cadastre.RunRecord{
		Client:      "ACME",
		ArtifactURI: "gs://maps/Mapa_ACME.html",
		Report: cadastre.RunReport{
			RunID:      "0190c1d2-7a3b-7c4d-8e5f-60718293a4b5",
			StartedAt:  start,
			FinishedAt: start.Add(3 * time.Second),
			Features: []cadastre.Feature{
				{Identifier: "28001A00100001", AreaSquareMeters: 1200},
				{Identifier: "28001A00100002", AreaSquareMeters: 300.5},
			},
			Failures: []cadastre.FailureEntry{
				{Label: "Olivar", Identifier: "28001A00100003", Reason: cadastre.ReasonGeometryMissing, Detail: "no geometry"},
			},
			Attempted: 3,
			Succeeded: 2,
			Failed:    1,
		},
	}
}

func TestSaveRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "parcel_runs")
	require.NoError(t, err)

	run := sampleRun()
	mock.ExpectExec("INSERT INTO parcel_runs").
		WithArgs(
			run.Report.RunID,
			"ACME",
			run.Report.StartedAt,
			run.Report.FinishedAt,
			3,
			2,
			1,
			1500.5,
			"gs://maps/Mapa_ACME.html",
			[]byte(`[{"label":"Olivar","identifier":"28001A00100003","reason":"geometry_missing","detail":"no geometry"}]`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunEmptyFailuresIsArray(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	run := sampleRun()
	run.Report.Failures = nil
	mock.ExpectExec("INSERT INTO " + DefaultTable).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), []byte(`[]`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "parcel_runs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO parcel_runs").WillReturnError(errors.New("connection reset"))

	err = store.SaveRun(context.Background(), sampleRun())
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())

	run := sampleRun()
	run.Report.RunID = ""
	require.Error(t, store.SaveRun(context.Background(), run))
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "history")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS history").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunStoreWithPool(nil, "parcel_runs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x")
	require.Error(t, err)

	_, err = NewRunStore(context.Background(), RunStoreConfig{})
	require.Error(t, err)

	var nilStore *RunStore
	require.Error(t, nilStore.SaveRun(context.Background(), sampleRun()))
	nilStore.Close()
}

var summaryCols = []string{
	"run_id", "client", "started_at", "finished_at", "attempted", "succeeded", "failed",
	"total_area_m2", "artifact_uri", "failures",
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "parcel_runs")
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows(summaryCols).
		AddRow("run-2", "ACME", start.Add(time.Hour), start.Add(time.Hour+time.Second), 2, 2, 0, 10.5, "gs://m/2.html", []byte(`[]`)).
		AddRow("run-1", "ACME", start, start.Add(time.Second), 1, 0, 1, 0.0, "",
			[]byte(`[{"label":"Olivar","identifier":"x","reason":"network_failure","detail":"timeout"}]`))
	mock.ExpectQuery("SELECT (.+) FROM parcel_runs ORDER BY started_at DESC").
		WithArgs(10, 0).
		WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].RunID)
	require.InDelta(t, 10.5, runs[0].TotalAreaM2, 1e-9)
	require.Empty(t, runs[0].Failures)
	require.Equal(t, cadastre.ReasonNetworkFailure, runs[1].Failures[0].Reason)
	require.Equal(t, start, runs[1].StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "parcel_runs")
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM parcel_runs WHERE run_id").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows(summaryCols).
			AddRow("run-1", "ACME", start, start, 1, 1, 0, 5.0, "gs://m/1.html", []byte(`[]`)))
	mock.ExpectQuery("SELECT (.+) FROM parcel_runs WHERE run_id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(summaryCols))

	got, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "gs://m/1.html", got.ArtifactURI)

	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, cadastre.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
