package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/progress"
)

func TestRunYieldsOneOutcomePerRecord(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 7, 50} {
		n := n
		for _, c := range []int{1, 3, 20, 64} {
			c := c
			t.Run(fmt.Sprintf("n=%d/c=%d", n, c), func(t *testing.T) {
				t.Parallel()

				proc := &fakeProcessor{failEvery: 3}
				d := New(proc, Config{Concurrency: c}, nil, nil, nil, zap.NewNop())
				rep := d.Run(context.Background(), makeRecords(n), nil)

				require.Equal(t, n, rep.Attempted)
				require.Equal(t, n, rep.Succeeded+rep.Failed)
				require.Len(t, rep.Features, rep.Succeeded)
				require.Len(t, rep.Failures, rep.Failed)
				require.Equal(t, int64(n), proc.calls.Load())

				seen := map[string]bool{}
				for _, f := range rep.Features {
					seen[f.Identifier] = true
				}
				for _, f := range rep.Failures {
					seen[f.Identifier] = true
				}
				require.Len(t, seen, n)
			})
		}
	}
}

func TestRunBoundsInFlight(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{delay: 5 * time.Millisecond}
	d := New(proc, Config{Concurrency: 4}, nil, nil, nil, nil)
	rep := d.Run(context.Background(), makeRecords(40), nil)

	require.Equal(t, 40, rep.Succeeded)
	require.LessOrEqual(t, proc.maxInFlight.Load(), int64(4))
	require.Greater(t, proc.maxInFlight.Load(), int64(1), "work overlaps")
}

func TestRunDefaultsConcurrency(t *testing.T) {
	t.Parallel()

	d := New(&fakeProcessor{}, Config{}, nil, nil, nil, nil)
	require.Equal(t, DefaultConcurrency, d.Concurrency())
	d = New(&fakeProcessor{}, Config{Concurrency: -1}, nil, nil, nil, nil)
	require.Equal(t, DefaultConcurrency, d.Concurrency())
}

func TestRunProgressIsMonotonicAndEndsAtTotal(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{delay: time.Millisecond, failEvery: 4}
	d := New(proc, Config{Concurrency: 5}, nil, nil, nil, nil)

	var seen [][2]int
	rep := d.Run(context.Background(), makeRecords(23), func(completed, total int) {
		seen = append(seen, [2]int{completed, total})
	})

	require.Equal(t, 23, rep.Attempted)
	require.Len(t, seen, 23)
	finals := 0
	for i, p := range seen {
		require.Equal(t, i+1, p[0])
		require.Equal(t, 23, p[1])
		if p[0] == p[1] {
			finals++
		}
	}
	require.Equal(t, 1, finals)
}

func TestRunIsolatesFailuresAndPanics(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{panicOn: "ID0003", emptyOn: "ID0005", failEvery: 2}
	d := New(proc, Config{Concurrency: 3}, nil, nil, nil, zap.NewNop())
	rep := d.Run(context.Background(), makeRecords(8), nil)

	require.Equal(t, 8, rep.Attempted)
	byID := map[string]cadastre.FailureEntry{}
	for _, f := range rep.Failures {
		byID[f.Identifier] = f
	}
	require.Contains(t, byID, "ID0003")
	require.Equal(t, cadastre.ReasonParseFailure, byID["ID0003"].Reason)
	require.Contains(t, byID["ID0003"].Detail, "panic: boom")
	require.Contains(t, byID, "ID0005")
	require.Equal(t, cadastre.ReasonParseFailure, byID["ID0005"].Reason)
	require.Equal(t, 8, rep.Succeeded+rep.Failed)
}

func TestRunAllFailStillReports(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{failEvery: 1}
	d := New(proc, Config{Concurrency: 2}, nil, nil, nil, nil)
	rep := d.Run(context.Background(), makeRecords(5), nil)
	require.Zero(t, rep.Succeeded)
	require.Equal(t, 5, rep.Failed)
}

func TestRunCanceledContextStillCompletes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc := &fakeProcessor{}
	d := New(proc, Config{Concurrency: 2}, nil, nil, nil, nil)
	rep := d.Run(ctx, makeRecords(6), nil)
	require.Equal(t, 6, rep.Attempted)
	require.Equal(t, 6, rep.Failed, "canceled lookups surface as network failures")
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	ids := &fixedIDs{id: "0190a6a4-2b7f-7c3e-9f34-7d1f2a3b4c5d"}
	d := New(&fakeProcessor{failEvery: 2}, Config{Concurrency: 2}, rec, ids, nil, nil)
	rep := d.Run(context.Background(), makeRecords(4), nil)

	require.Equal(t, ids.id, rep.RunID)
	events := rec.Events()
	require.Len(t, events, 6)
	require.Equal(t, progress.StageRunStart, events[0].Stage)
	require.Equal(t, 4, events[0].Total)
	for i, evt := range events[1:5] {
		require.Equal(t, progress.StageRecordDone, evt.Stage)
		require.Equal(t, i+1, evt.Completed)
		require.NotEmpty(t, evt.Identifier)
		require.NoError(t, evt.Validate())
	}
	last := events[5]
	require.Equal(t, progress.StageRunDone, last.Stage)
	require.Equal(t, 4, last.Completed)
	require.Equal(t, ids.id, last.RunUUID().String())
	require.NoError(t, last.Validate())
}

func TestRunFallsBackWhenIDGeneratorFails(t *testing.T) {
	t.Parallel()

	d := New(&fakeProcessor{}, Config{}, nil, &fixedIDs{err: errors.New("entropy")}, nil, nil)
	rep := d.Run(context.Background(), nil, nil)
	require.Len(t, rep.RunID, 36)

	d = New(&fakeProcessor{}, Config{}, nil, &fixedIDs{id: "not-a-uuid"}, nil, nil)
	rep = d.Run(context.Background(), nil, nil)
	require.NotEqual(t, "not-a-uuid", rep.RunID)
}

func makeRecords(n int) []cadastre.InputRecord {
	out := make([]cadastre.InputRecord, n)
	for i := range out {
		out[i] = cadastre.InputRecord{
			Identifier: fmt.Sprintf("ID%04d", i),
			Category:   "rustica",
			Label:      fmt.Sprintf("Finca %d", i),
			ColorTag:   "#123456",
		}
	}
	return out
}

type fakeProcessor struct {
	delay     time.Duration
	failEvery int
	panicOn   string
	emptyOn   string

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	seq         atomic.Int64
}

func (p *fakeProcessor) Process(ctx context.Context, rec cadastre.InputRecord) cadastre.Outcome {
	p.calls.Add(1)
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		prev := p.maxInFlight.Load()
		if cur <= prev || p.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	switch {
	case rec.Identifier == p.panicOn:
		panic("boom")
	case rec.Identifier == p.emptyOn:
		return cadastre.Outcome{}
	case ctx.Err() != nil:
		return cadastre.Outcome{Failure: &cadastre.FailureEntry{Identifier: rec.Identifier, Label: rec.Label, Reason: cadastre.ReasonNetworkFailure, Detail: ctx.Err().Error()}}
	}
	n := p.seq.Add(1)
	if p.failEvery > 0 && n%int64(p.failEvery) == 0 {
		return cadastre.Outcome{Failure: &cadastre.FailureEntry{Identifier: rec.Identifier, Label: rec.Label, Reason: cadastre.ReasonGeometryMissing, Detail: "geometry not found"}}
	}
	return cadastre.Outcome{Feature: &cadastre.Feature{Identifier: rec.Identifier, Label: rec.Label}, Duration: p.delay}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fixedIDs struct {
	id  string
	err error
}

func (f *fixedIDs) NewID() (string, error) {
	return f.id, f.err
}
