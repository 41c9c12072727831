package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/registry"
)

const parcelGML = `<?xml version="1.0" encoding="UTF-8"?>
<FeatureCollection xmlns:gml="http://www.opengis.net/gml/3.2" xmlns:cp="http://inspire.ec.europa.eu/schemas/cp/4.0" xmlns:gn="http://inspire.ec.europa.eu/schemas/gn/4.0">
<cp:CadastralParcel>
<cp:areaValue uom="m2">15234.5</cp:areaValue>
<gml:posList>40.1 -3.5 40.2 -3.5 40.2 -3.6 40.1 -3.5</gml:posList>
<gn:text>TORRELODONES</gn:text>
</cp:CadastralParcel>
</FeatureCollection>`

const missingGML = `<?xml version="1.0" encoding="UTF-8"?>
<FeatureCollection xmlns:gn="http://inspire.ec.europa.eu/schemas/gn/4.0"><gn:text>GALAPAGAR</gn:text></FeatureCollection>`

var record = cadastre.InputRecord{
	Identifier: "28148A00100001",
	Category:   "rustica",
	Label:      "Finca Norte",
	ColorTag:   "#ff0000",
}

func TestProcessResolved(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{bodies: map[string]string{record.Identifier: parcelGML}}
	clk := &stepClock{now: time.Unix(0, 0), step: 250 * time.Millisecond}
	p := New(resolver, clk, zap.NewNop())

	out := p.Process(context.Background(), record)
	require.True(t, out.Succeeded())
	require.Nil(t, out.Failure)
	require.Equal(t, &cadastre.Feature{
		Identifier:         record.Identifier,
		Category:           record.Category,
		Label:              record.Label,
		ColorTag:           record.ColorTag,
		AreaSquareMeters:   15234.5,
		AdministrativeArea: "TORRELODONES",
		Boundary:           []cadastre.Position{{-3.5, 40.1}, {-3.5, 40.2}, {-3.6, 40.2}, {-3.5, 40.1}},
	}, out.Feature)
	require.Equal(t, 250*time.Millisecond, out.Duration)
	require.Equal(t, record.Identifier, out.Identifier())
}

func TestProcessFailureKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		err    error
		reason cadastre.Reason
		prefix string
		level  zapcore.Level
	}{
		{
			name:   "network exhausted",
			err:    &registry.NetworkError{Key: "28148A00100001", Attempts: 3, Err: errors.New("connection refused")},
			reason: cadastre.ReasonNetworkFailure,
			prefix: "network failure: ",
			level:  zapcore.WarnLevel,
		},
		{
			name:   "wrapped network error",
			err:    fmt.Errorf("outer: %w", &registry.NetworkError{Key: "k", Attempts: 1, Err: context.Canceled}),
			reason: cadastre.ReasonNetworkFailure,
			prefix: "network failure: ",
			level:  zapcore.WarnLevel,
		},
		{
			name:   "non network client error",
			err:    registry.ErrEmptyIdentifier,
			reason: cadastre.ReasonParseFailure,
			prefix: "parse failure: ",
			level:  zapcore.ErrorLevel,
		},
		{
			name:   "geometry missing",
			body:   missingGML,
			reason: cadastre.ReasonGeometryMissing,
			prefix: "geometry not found: ",
			level:  zapcore.InfoLevel,
		},
		{
			name:   "malformed payload",
			body:   "<FeatureCollection><oops>",
			reason: cadastre.ReasonParseFailure,
			prefix: "parse failure: ",
			level:  zapcore.ErrorLevel,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resolver := &fakeResolver{
				bodies: map[string]string{record.Identifier: tc.body},
				errs:   map[string]error{},
			}
			if tc.err != nil {
				resolver.errs[record.Identifier] = tc.err
			}
			core, logs := observer.New(zapcore.DebugLevel)
			p := New(resolver, nil, zap.New(core))

			out := p.Process(context.Background(), record)
			require.False(t, out.Succeeded())
			require.Nil(t, out.Feature)
			require.NotNil(t, out.Failure)
			require.Equal(t, tc.reason, out.Failure.Reason)
			require.Equal(t, record.Label, out.Failure.Label)
			require.Equal(t, record.Identifier, out.Failure.Identifier)
			require.Greater(t, len(out.Failure.Detail), len(tc.prefix))
			require.Equal(t, tc.prefix, out.Failure.Detail[:len(tc.prefix)])

			entries := logs.AllUntimed()
			require.Len(t, entries, 1)
			require.Equal(t, tc.level, entries[0].Level)
			require.Equal(t, record.Identifier, entries[0].ContextMap()["identifier"])
		})
	}
}

func TestProcessConcurrentUse(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{bodies: map[string]string{}}
	records := make([]cadastre.InputRecord, 32)
	for i := range records {
		records[i] = cadastre.InputRecord{Identifier: fmt.Sprintf("ID%012d", i), Label: fmt.Sprintf("L%d", i)}
		if i%2 == 0 {
			resolver.bodies[records[i].Identifier] = parcelGML
		} else {
			resolver.bodies[records[i].Identifier] = missingGML
		}
	}
	p := New(resolver, nil, nil)

	outcomes := make([]cadastre.Outcome, len(records))
	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec cadastre.InputRecord) {
			defer wg.Done()
			outcomes[i] = p.Process(context.Background(), rec)
		}(i, rec)
	}
	wg.Wait()

	for i, out := range outcomes {
		require.Equal(t, records[i].Identifier, out.Identifier())
		require.Equal(t, i%2 == 0, out.Succeeded())
	}
}

func TestFailureWithoutDetail(t *testing.T) {
	t.Parallel()

	out := Failure(record, cadastre.ReasonGeometryMissing, "")
	require.Equal(t, "geometry not found", out.Failure.Detail)
	require.Equal(t, "Finca Norte (28148A00100001): geometry not found", out.Failure.String())
}

type fakeResolver struct {
	bodies map[string]string
	errs   map[string]error
}

func (f *fakeResolver) Fetch(_ context.Context, identifier string) (registry.Response, error) {
	if err, ok := f.errs[identifier]; ok {
		return registry.Response{}, err
	}
	body, ok := f.bodies[identifier]
	if !ok {
		return registry.Response{}, &registry.NetworkError{Key: registry.Key(identifier), Attempts: 1, Err: errors.New("unknown identifier")}
	}
	return registry.Response{Key: registry.Key(identifier), Body: []byte(body), Attempts: 1}, nil
}

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}
