package cadastre

import (
	"fmt"
	"time"
)

// UnknownAdministrativeArea labels parcels whose registry response carries no
// geographical name.
const UnknownAdministrativeArea = "unknown"

// InputRecord is one validated row of source data.
type InputRecord struct {
	Identifier string `json:"identifier"`
	Category   string `json:"category"`
	Label      string `json:"label"`
	ColorTag   string `json:"color"`
}

// Position is a (longitude, latitude) pair. It marshals as a two-element JSON
// array, which is the GeoJSON position encoding.
type Position [2]float64

// Lon returns the longitude component.
func (p Position) Lon() float64 { return p[0] }

// Lat returns the latitude component.
func (p Position) Lat() float64 { return p[1] }

// ResultKind enumerates the terminal outcomes of resolving one identifier.
type ResultKind int

// Result kinds. KindResolved is the only success.
const (
	KindResolved ResultKind = iota
	KindNetworkFailure
	KindGeometryMissing
	KindParseFailure
)

// Reason is the failure classification carried by a FailureEntry.
type Reason string

// Failure reasons.
const (
	ReasonNetworkFailure  Reason = "network_failure"
	ReasonGeometryMissing Reason = "geometry_missing"
	ReasonParseFailure    Reason = "parse_failure"
)

// Reason maps a failed kind to its Reason. It returns "" for KindResolved.
func (k ResultKind) Reason() Reason {
	switch k {
	case KindNetworkFailure:
		return ReasonNetworkFailure
	case KindGeometryMissing:
		return ReasonGeometryMissing
	case KindParseFailure:
		return ReasonParseFailure
	default:
		return ""
	}
}

func (k ResultKind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindNetworkFailure:
		return string(ReasonNetworkFailure)
	case KindGeometryMissing:
		return string(ReasonGeometryMissing)
	case KindParseFailure:
		return string(ReasonParseFailure)
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Describe returns the human-readable prefix used in failure details.
func (r Reason) Describe() string {
	switch r {
	case ReasonNetworkFailure:
		return "network failure"
	case ReasonGeometryMissing:
		return "geometry not found"
	case ReasonParseFailure:
		return "parse failure"
	default:
		return string(r)
	}
}

// GeometryResult is the outcome of resolving one identifier against the
// registry. Boundary, AreaSquareMeters are only meaningful when Kind is
// KindResolved; AdministrativeArea may also be set for KindGeometryMissing.
// Detail is set for every failed kind.
type GeometryResult struct {
	Kind               ResultKind
	Boundary           []Position
	AreaSquareMeters   float64
	AdministrativeArea string
	Detail             string
}

// Resolved reports whether the result carries a usable boundary.
func (r GeometryResult) Resolved() bool {
	return r.Kind == KindResolved
}

// Feature is a resolved record joined with its source metadata.
type Feature struct {
	Identifier         string     `json:"identifier"`
	Category           string     `json:"category"`
	Label              string     `json:"label"`
	ColorTag           string     `json:"color"`
	AreaSquareMeters   float64    `json:"area_m2"`
	AdministrativeArea string     `json:"administrative_area"`
	Boundary           []Position `json:"boundary"`
}

// FailureEntry describes one record that did not resolve.
type FailureEntry struct {
	Label      string `json:"label"`
	Identifier string `json:"identifier"`
	Reason     Reason `json:"reason"`
	Detail     string `json:"detail"`
}

// String renders the entry the way the failure list of the map shows it.
func (f FailureEntry) String() string {
	return fmt.Sprintf("%s (%s): %s", f.Label, f.Identifier, f.Detail)
}

// Outcome is the terminal result of processing one record. Exactly one of
// Feature and Failure is non-nil.
type Outcome struct {
	Feature  *Feature
	Failure  *FailureEntry
	Duration time.Duration
}

// Succeeded reports whether the outcome carries a Feature.
func (o Outcome) Succeeded() bool {
	return o.Feature != nil
}

// Identifier returns the identifier of the record that produced the outcome.
func (o Outcome) Identifier() string {
	switch {
	case o.Feature != nil:
		return o.Feature.Identifier
	case o.Failure != nil:
		return o.Failure.Identifier
	default:
		return ""
	}
}

// RunReport aggregates every outcome of one dispatch pass. Features and
// Failures are in completion order, which varies across runs with network
// timing; callers must not rely on it matching input order.
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Features   []Feature      `json:"features"`
	Failures   []FailureEntry `json:"failures"`
	Attempted  int            `json:"attempted"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
}

// TotalArea sums the area of every resolved feature in square meters.
func (r RunReport) TotalArea() float64 {
	var total float64
	for _, f := range r.Features {
		total += f.AreaSquareMeters
	}
	return total
}
