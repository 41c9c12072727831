package cadastre

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// FetchRequest captures everything needed to issue one registry GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw payload returned by a Fetcher.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher issues a single HTTP GET. Implementations must be safe for
// concurrent use; the dispatcher shares one across all workers.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes rendered artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunStore keeps a history of completed runs.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
}

// RunRecord is what the RunStore persists for one run.
type RunRecord struct {
	Report      RunReport
	Client      string
	ArtifactURI string
}

// ErrRunNotFound is returned by run history lookups for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is a stored run as the history endpoints return it. Features
// are not kept; the artifact holds them.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	Client      string         `json:"client"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Attempted   int            `json:"attempted"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	TotalAreaM2 float64        `json:"total_area_m2"`
	ArtifactURI string         `json:"artifact_uri,omitempty"`
	Failures    []FailureEntry `json:"failures"`
}

// Summary flattens the record for history listings.
func (r RunRecord) Summary() RunSummary {
	failures := make([]FailureEntry, len(r.Report.Failures))
	copy(failures, r.Report.Failures)
	return RunSummary{
		RunID:       r.Report.RunID,
		Client:      r.Client,
		StartedAt:   r.Report.StartedAt,
		FinishedAt:  r.Report.FinishedAt,
		Attempted:   r.Report.Attempted,
		Succeeded:   r.Report.Succeeded,
		Failed:      r.Report.Failed,
		TotalAreaM2: r.Report.TotalArea(),
		ArtifactURI: r.ArtifactURI,
		Failures:    failures,
	}
}

// RunHistory reads back what a RunStore saved, most recent first.
type RunHistory interface {
	ListRuns(ctx context.Context, limit, offset int) ([]RunSummary, error)
	GetRun(ctx context.Context, runID string) (RunSummary, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
