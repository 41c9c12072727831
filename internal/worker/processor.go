// Package worker turns one input record into a terminal outcome: fetch the
// registry document, parse it and join the geometry with the record's
// metadata.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/clock/system"
	"github.com/JakeFAU/parcel-mapper/internal/gml"
	"github.com/JakeFAU/parcel-mapper/internal/metrics"
	"github.com/JakeFAU/parcel-mapper/internal/registry"
)

// Resolver fetches the raw registry document for an identifier.
// *registry.Client satisfies it.
type Resolver interface {
	Fetch(ctx context.Context, identifier string) (registry.Response, error)
}

// Processor is the per-record pipeline. It holds no per-record state and is
// safe for concurrent use.
type Processor struct {
	resolver Resolver
	clock    cadastre.Clock
	logger   *zap.Logger
}

// New constructs a Processor. A nil clock uses the system clock.
func New(resolver Resolver, clock cadastre.Clock, logger *zap.Logger) *Processor {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{resolver: resolver, clock: clock, logger: logger}
}

// Process always returns a terminal outcome; failures are values, never errors.
func (p *Processor) Process(ctx context.Context, rec cadastre.InputRecord) cadastre.Outcome {
	start := p.clock.Now()
	result := p.resolve(ctx, rec)
	metrics.ObserveOutcome(result.Kind.String())

	outcome := p.join(rec, result)
	outcome.Duration = p.clock.Now().Sub(start)
	return outcome
}

func (p *Processor) resolve(ctx context.Context, rec cadastre.InputRecord) cadastre.GeometryResult {
	resp, err := p.resolver.Fetch(ctx, rec.Identifier)
	if err != nil {
		var netErr *registry.NetworkError
		if errors.As(err, &netErr) {
			return cadastre.GeometryResult{Kind: cadastre.KindNetworkFailure, Detail: err.Error()}
		}
		return cadastre.GeometryResult{Kind: cadastre.KindParseFailure, Detail: err.Error()}
	}
	return gml.Parse(resp.Body)
}

// join merges a geometry result with the record it came from.
func (p *Processor) join(rec cadastre.InputRecord, result cadastre.GeometryResult) cadastre.Outcome {
	logger := p.logger.With(
		zap.String("identifier", rec.Identifier),
		zap.String("registry_key", registry.Key(rec.Identifier)),
	)

	switch result.Kind {
	case cadastre.KindResolved:
		logger.Debug("parcel resolved", zap.Float64("area_m2", result.AreaSquareMeters))
		return cadastre.Outcome{Feature: &cadastre.Feature{
			Identifier:         rec.Identifier,
			Category:           rec.Category,
			Label:              rec.Label,
			ColorTag:           rec.ColorTag,
			AreaSquareMeters:   result.AreaSquareMeters,
			AdministrativeArea: result.AdministrativeArea,
			Boundary:           result.Boundary,
		}}
	case cadastre.KindNetworkFailure:
		logger.Warn("registry unreachable", zap.String("reason", string(cadastre.ReasonNetworkFailure)), zap.String("detail", result.Detail))
	case cadastre.KindGeometryMissing:
		logger.Info("parcel has no geometry", zap.String("reason", string(cadastre.ReasonGeometryMissing)), zap.String("detail", result.Detail))
	case cadastre.KindParseFailure:
		logger.Error("registry response not understood", zap.String("reason", string(cadastre.ReasonParseFailure)), zap.String("detail", result.Detail))
	default:
		result = cadastre.GeometryResult{
			Kind:   cadastre.KindParseFailure,
			Detail: fmt.Sprintf("unexpected result kind %s", result.Kind),
		}
		logger.Error("registry response not understood", zap.String("detail", result.Detail))
	}
	return Failure(rec, result.Kind.Reason(), result.Detail)
}

// Failure builds a failed outcome for rec. The detail is prefixed with the
// reason's description.
func Failure(rec cadastre.InputRecord, reason cadastre.Reason, detail string) cadastre.Outcome {
	msg := reason.Describe()
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return cadastre.Outcome{Failure: &cadastre.FailureEntry{
		Label:      rec.Label,
		Identifier: rec.Identifier,
		Reason:     reason,
		Detail:     msg,
	}}
}
