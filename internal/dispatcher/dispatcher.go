// Package dispatcher runs the row processor over a batch of records with a
// fixed-size worker pool and collects every outcome into a RunReport.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/clock/system"
	"github.com/JakeFAU/parcel-mapper/internal/metrics"
	"github.com/JakeFAU/parcel-mapper/internal/progress"
	"github.com/JakeFAU/parcel-mapper/internal/report"
	"github.com/JakeFAU/parcel-mapper/internal/worker"
)

// DefaultConcurrency is the worker count used when Config leaves it unset.
const DefaultConcurrency = 20

// RecordProcessor resolves one record to a terminal outcome.
// *worker.Processor satisfies it.
type RecordProcessor interface {
	Process(ctx context.Context, rec cadastre.InputRecord) cadastre.Outcome
}

// ProgressFunc observes (completed, total) after every completion. It is
// called from the collector goroutine only.
type ProgressFunc func(completed, total int)

// Config controls the pool.
type Config struct {
	Concurrency int
}

// Dispatcher fans records out to workers.
type Dispatcher struct {
	processor   RecordProcessor
	concurrency int
	emitter     progress.Emitter
	ids         cadastre.IDGenerator
	clock       cadastre.Clock
	logger      *zap.Logger
}

// New constructs a Dispatcher. emitter, ids and clock may be nil.
func New(
	processor RecordProcessor,
	cfg Config,
	emitter progress.Emitter,
	ids cadastre.IDGenerator,
	clock cadastre.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		processor:   processor,
		concurrency: cfg.Concurrency,
		emitter:     emitter,
		ids:         ids,
		clock:       clock,
		logger:      logger,
	}
}

// Concurrency returns the configured pool size.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// Run processes every record to a terminal outcome and returns the report.
// Outcomes are aggregated in completion order. Canceling ctx does not
// abandon records: in-flight lookups fail fast and are reported as failures.
func (d *Dispatcher) Run(ctx context.Context, records []cadastre.InputRecord, onProgress ProgressFunc) cadastre.RunReport {
	runID := d.newRunID()
	eventID := progress.UUIDToBytes(uuid.MustParse(runID))
	total := len(records)
	started := d.clock.Now()
	logger := d.logger.With(zap.String("run_id", runID))

	agg := report.NewAggregator(runID, started)
	d.emitter.Emit(progress.Event{RunID: eventID, TS: started, Stage: progress.StageRunStart, Total: total})
	logger.Info("run started", zap.Int("total", total), zap.Int("concurrency", d.concurrency))

	completed := 0
	for out := range d.fanOut(ctx, records) {
		completed++
		agg.Add(out)
		if onProgress != nil {
			onProgress(completed, total)
		}
		d.emitter.Emit(progress.Event{
			RunID:      eventID,
			TS:         d.clock.Now(),
			Stage:      progress.StageRecordDone,
			Identifier: out.Identifier(),
			Outcome:    outcomeLabel(out),
			Completed:  completed,
			Total:      total,
			Dur:        out.Duration,
		})
	}

	finished := d.clock.Now()
	rep := agg.Report(finished)
	d.emitter.Emit(progress.Event{
		RunID:     eventID,
		TS:        finished,
		Stage:     progress.StageRunDone,
		Completed: completed,
		Total:     total,
		Dur:       finished.Sub(started),
		Note:      fmt.Sprintf("succeeded=%d failed=%d", rep.Succeeded, rep.Failed),
	})
	logger.Info("run finished",
		zap.Int("attempted", rep.Attempted),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	return rep
}

// fanOut starts min(concurrency, len(records)) workers and returns the
// channel their outcomes arrive on. The channel closes after the last one.
func (d *Dispatcher) fanOut(ctx context.Context, records []cadastre.InputRecord) <-chan cadastre.Outcome {
	workers := min(d.concurrency, len(records))
	jobs := make(chan cadastre.InputRecord)
	results := make(chan cadastre.Outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				results <- d.process(ctx, rec)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, rec := range records {
			jobs <- rec
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// process runs the processor and converts a panic into a parse failure.
func (d *Dispatcher) process(ctx context.Context, rec cadastre.InputRecord) (out cadastre.Outcome) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("record processing panicked",
				zap.String("identifier", rec.Identifier),
				zap.Any("panic", r),
			)
			out = worker.Failure(rec, cadastre.ReasonParseFailure, fmt.Sprintf("panic: %v", r))
		}
	}()
	out = d.processor.Process(ctx, rec)
	if out.Feature == nil && out.Failure == nil {
		out = worker.Failure(rec, cadastre.ReasonParseFailure, "processor returned no outcome")
	}
	return out
}

func (d *Dispatcher) newRunID() string {
	if d.ids == nil {
		return uuid.NewString()
	}
	id, err := d.ids.NewID()
	if err == nil {
		_, err = uuid.Parse(id)
	}
	if err != nil {
		d.logger.Warn("run id generator failed; using random id", zap.Error(err))
		return uuid.NewString()
	}
	return id
}

func outcomeLabel(out cadastre.Outcome) string {
	if out.Failure != nil {
		return string(out.Failure.Reason)
	}
	return progress.OutcomeResolved
}
