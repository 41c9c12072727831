// Package report aggregates record outcomes into a RunReport and maps it onto
// the GeoJSON shape consumed by the map renderer.
package report

import (
	"time"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

// Aggregator partitions outcomes into features and failures in the order they
// are added. It is not safe for concurrent use; the dispatcher feeds it from a
// single collector goroutine.
type Aggregator struct {
	report cadastre.RunReport
}

// NewAggregator starts an empty report.
func NewAggregator(runID string, startedAt time.Time) *Aggregator {
	return &Aggregator{report: cadastre.RunReport{
		RunID:     runID,
		StartedAt: startedAt,
		Features:  []cadastre.Feature{},
		Failures:  []cadastre.FailureEntry{},
	}}
}

// Add records one outcome. An outcome carrying neither a feature nor a failure
// is counted as a parse failure so that attempted always matches the input.
func (a *Aggregator) Add(o cadastre.Outcome) {
	a.report.Attempted++
	switch {
	case o.Feature != nil:
		a.report.Features = append(a.report.Features, *o.Feature)
		a.report.Succeeded++
	case o.Failure != nil:
		a.report.Failures = append(a.report.Failures, *o.Failure)
		a.report.Failed++
	default:
		a.report.Failures = append(a.report.Failures, cadastre.FailureEntry{
			Reason: cadastre.ReasonParseFailure,
			Detail: cadastre.ReasonParseFailure.Describe() + ": empty outcome",
		})
		a.report.Failed++
	}
}

// Report returns a copy of the accumulated report stamped with finishedAt.
func (a *Aggregator) Report(finishedAt time.Time) cadastre.RunReport {
	out := a.report
	out.FinishedAt = finishedAt
	out.Features = append([]cadastre.Feature{}, a.report.Features...)
	out.Failures = append([]cadastre.FailureEntry{}, a.report.Failures...)
	return out
}

// Aggregate builds a report from a complete set of outcomes.
func Aggregate(runID string, startedAt, finishedAt time.Time, outcomes []cadastre.Outcome) cadastre.RunReport {
	agg := NewAggregator(runID, startedAt)
	for _, o := range outcomes {
		agg.Add(o)
	}
	return agg.Report(finishedAt)
}
