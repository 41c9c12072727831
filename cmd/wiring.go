package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/app"
	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/clock/system"
	"github.com/JakeFAU/parcel-mapper/internal/config"
	"github.com/JakeFAU/parcel-mapper/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/parcel-mapper/internal/fetcher/colly"
	"github.com/JakeFAU/parcel-mapper/internal/id/uuid"
	"github.com/JakeFAU/parcel-mapper/internal/progress"
	"github.com/JakeFAU/parcel-mapper/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/parcel-mapper/internal/publisher/pubsub"
	"github.com/JakeFAU/parcel-mapper/internal/registry"
	"github.com/JakeFAU/parcel-mapper/internal/storage/gcs"
	"github.com/JakeFAU/parcel-mapper/internal/storage/local"
	"github.com/JakeFAU/parcel-mapper/internal/storage/memory"
	"github.com/JakeFAU/parcel-mapper/internal/storage/postgres"
	"github.com/JakeFAU/parcel-mapper/internal/worker"
)

// The Prometheus sink registers on the default registry, which only accepts
// one set of collectors per process.
var (
	promSinkOnce sync.Once
	promSink     *sinks.PrometheusSink
	promSinkErr  error
)

func prometheusSink() (*sinks.PrometheusSink, error) {
	promSinkOnce.Do(func() {
		promSink, promSinkErr = sinks.NewPrometheusSink(nil)
	})
	return promSink, promSinkErr
}

// pipeline is the fully wired run service plus everything that must be
// released when the command ends.
type pipeline struct {
	service *app.Service
	history cadastre.RunHistory
	closers []func(context.Context) error
}

func (p *pipeline) Close(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type pipelineOptions struct {
	// keepHistory backs the run history with memory when no DSN is set.
	keepHistory bool
}

// buildPipeline wires config into a ready app.Service. On error, anything
// already opened is closed.
func buildPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger, opts pipelineOptions) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close(context.WithoutCancel(ctx))
		}
	}()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:           cfg.Registry.UserAgent,
		Timeout:             cfg.Registry.Timeout,
		MaxIdleConnsPerHost: cfg.Dispatcher.Concurrency,
	})
	client, err := registry.NewClient(fetcher, cfg.Registry.RetryPolicy(), registry.Config{
		Endpoint: cfg.Registry.Endpoint,
	}, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("init registry client: %w", err)
	}
	clock := system.New()
	processor := worker.New(client, clock, logger.Named("worker"))

	hubSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress"))}
	promSink, err := prometheusSink()
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks = append(hubSinks, promSink)
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)
	p.closers = append(p.closers, hub.Close)

	disp := dispatcher.New(processor, dispatcher.Config{Concurrency: cfg.Dispatcher.Concurrency},
		hub, uuid.New(), clock, logger.Named("dispatcher"))

	blobs, err := newBlobStore(ctx, cfg.Output, p)
	if err != nil {
		return nil, err
	}

	svcOpts := []app.Option{app.WithClock(clock)}
	runs, history, err := newRunStore(ctx, cfg, opts, p)
	if err != nil {
		return nil, err
	}
	if runs != nil {
		svcOpts = append(svcOpts, app.WithRunStore(runs))
	}
	p.history = history

	pub, err := newPublisher(ctx, cfg.PubSub, p)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		svcOpts = append(svcOpts, app.WithPublisher(pub))
	}

	svc, err := app.NewService(disp, blobs, app.Config{
		Prefix: cfg.Output.Prefix,
		Topic:  cfg.PubSub.Topic,
	}, logger.Named("app"), svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}
	p.service = svc
	return p, nil
}

func newBlobStore(ctx context.Context, cfg config.OutputConfig, p *pipeline) (cadastre.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		p.closers = append(p.closers, func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		return store, nil
	}
}

func newRunStore(ctx context.Context, cfg config.Config, opts pipelineOptions, p *pipeline) (cadastre.RunStore, cadastre.RunHistory, error) {
	if cfg.DB.DSN == "" {
		if !opts.keepHistory {
			return nil, nil, nil
		}
		store := memory.NewRunStore(cfg.Server.HistorySize)
		return store, store, nil
	}
	store, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{DSN: cfg.DB.DSN, Table: cfg.DB.Table})
	if err != nil {
		return nil, nil, fmt.Errorf("init run store: %w", err)
	}
	p.closers = append(p.closers, func(context.Context) error { store.Close(); return nil })
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func newPublisher(ctx context.Context, cfg config.PubSubConfig, p *pipeline) (cadastre.Publisher, error) {
	if cfg.Topic == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	p.closers = append(p.closers, func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	return pub, nil
}
