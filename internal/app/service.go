// Package app runs one end-to-end resolution pass: dispatch the records,
// render the map, store the artifacts, record the run and announce it.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/dispatcher"
	"github.com/JakeFAU/parcel-mapper/internal/metrics"
	"github.com/JakeFAU/parcel-mapper/internal/render"
	"github.com/JakeFAU/parcel-mapper/internal/report"
)

// ErrNoFeatures reports a run in which no record resolved. No artifact is
// written; the report is still returned and recorded.
var ErrNoFeatures = errors.New("no parcel resolved")

// Content types of the stored artifacts.
const (
	ContentTypeHTML    = "text/html; charset=utf-8"
	ContentTypeGeoJSON = "application/geo+json"
)

// Runner dispatches records and aggregates their outcomes.
type Runner interface {
	Run(ctx context.Context, records []cadastre.InputRecord, onProgress dispatcher.ProgressFunc) cadastre.RunReport
}

// Config holds the optional parts of the pipeline.
type Config struct {
	// Prefix is prepended to artifact names, e.g. "maps/2024".
	Prefix string
	// Topic receives completion events when a Publisher is set.
	Topic string
}

// Request is one run submission.
type Request struct {
	Client     string
	Records    []cadastre.InputRecord
	OnProgress dispatcher.ProgressFunc
}

// Result is what a run produced. Report is always populated, even when Run
// also returns an error.
type Result struct {
	Report      cadastre.RunReport
	Client      string
	ArtifactURI string
	GeoJSONURI  string
	MessageID   string
}

// Completion is the payload published when a run finishes.
type Completion struct {
	RunID       string  `json:"run_id"`
	Client      string  `json:"client"`
	Attempted   int     `json:"attempted"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	TotalAreaM2 float64 `json:"total_area_m2"`
	ArtifactURI string  `json:"artifact_uri"`
}

// Service wires the dispatcher to the renderer and the output collaborators.
// Runs, Publisher and the clock are optional.
type Service struct {
	runner    Runner
	blobs     cadastre.BlobStore
	runs      cadastre.RunStore
	publisher cadastre.Publisher
	clock     cadastre.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithRunStore records every run in store.
func WithRunStore(store cadastre.RunStore) Option {
	return func(s *Service) { s.runs = store }
}

// WithPublisher announces every run on cfg.Topic.
func WithPublisher(pub cadastre.Publisher) Option {
	return func(s *Service) { s.publisher = pub }
}

// WithClock overrides the clock used to date the map.
func WithClock(clock cadastre.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService builds a Service. runner and blobs are required.
func NewService(runner Runner, blobs cadastre.BlobStore, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		runner: runner,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher != nil && s.cfg.Topic == "" {
		return nil, errors.New("topic is required when a publisher is set")
	}
	return s, nil
}

// Run resolves req.Records and stores the artifacts. Storage, history and
// publish failures are returned after the report is built.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("parcelmap/app").Start(ctx, "app.Run")
	defer span.End()

	client := strings.TrimSpace(req.Client)
	if client == "" {
		client = render.DefaultClient
	}
	rep := s.runner.Run(ctx, req.Records, req.OnProgress)
	res := Result{Report: rep, Client: client}
	span.SetAttributes(
		attribute.String("run_id", rep.RunID),
		attribute.Int("attempted", rep.Attempted),
		attribute.Int("succeeded", rep.Succeeded),
	)
	logger := s.logger.With(zap.String("run_id", rep.RunID), zap.String("client", client))
	logger.Info("run finished",
		zap.Int("attempted", rep.Attempted),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
	)

	var errs []error
	if rep.Succeeded == 0 {
		errs = append(errs, ErrNoFeatures)
	} else {
		htmlURI, geoURI, err := s.writeArtifacts(ctx, client, rep)
		res.ArtifactURI, res.GeoJSONURI = htmlURI, geoURI
		if err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("map written", zap.String("uri", htmlURI))
		}
	}

	if s.runs != nil {
		record := cadastre.RunRecord{Report: rep, Client: client, ArtifactURI: res.ArtifactURI}
		if err := s.runs.SaveRun(ctx, record); err != nil {
			logger.Warn("run history not saved", zap.Error(err))
			errs = append(errs, fmt.Errorf("save run: %w", err))
		}
	}

	if s.publisher != nil {
		id, err := s.publisher.Publish(ctx, s.cfg.Topic, completion(res))
		if err != nil {
			logger.Warn("completion not published", zap.Error(err))
			errs = append(errs, fmt.Errorf("publish completion: %w", err))
		}
		res.MessageID = id
	}

	err := errors.Join(errs...)
	if err != nil && !errors.Is(err, ErrNoFeatures) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) writeArtifacts(ctx context.Context, client string, rep cadastre.RunReport) (string, string, error) {
	now := rep.FinishedAt
	if s.clock != nil {
		now = s.clock.Now()
	}

	var page bytes.Buffer
	if err := render.Render(&page, render.NewPage(client, rep, now)); err != nil {
		return "", "", fmt.Errorf("render map: %w", err)
	}
	htmlURI, err := s.blobs.PutObject(ctx, s.objectName(render.FileName(client)), ContentTypeHTML, &page)
	metrics.ObserveArtifactWrite("html", err)
	if err != nil {
		return "", "", fmt.Errorf("store map: %w", err)
	}

	geo, err := report.MarshalGeoJSON(rep)
	if err != nil {
		return htmlURI, "", err
	}
	geoURI, err := s.blobs.PutObject(ctx, s.objectName(render.GeoJSONFileName(client)), ContentTypeGeoJSON, bytes.NewReader(geo))
	metrics.ObserveArtifactWrite("geojson", err)
	if err != nil {
		return htmlURI, "", fmt.Errorf("store geojson: %w", err)
	}
	return htmlURI, geoURI, nil
}

func (s *Service) objectName(name string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func completion(res Result) Completion {
	return Completion{
		RunID:       res.Report.RunID,
		Client:      res.Client,
		Attempted:   res.Report.Attempted,
		Succeeded:   res.Report.Succeeded,
		Failed:      res.Report.Failed,
		TotalAreaM2: res.Report.TotalArea(),
		ArtifactURI: res.ArtifactURI,
	}
}
