// Package registry implements the geometry client for the cadastral WFS
// registry: one bounded-timeout GET per identifier, retried on transport
// failure according to a cadastre.RetryPolicy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/metrics"
)

// DefaultEndpoint is the public INSPIRE cadastral parcels WFS.
const DefaultEndpoint = "http://ovc.catastro.meh.es/INSPIRE/wfsCP.aspx"

// KeyLength is the number of identifier characters the registry looks up.
const KeyLength = 14

// ErrEmptyIdentifier is returned when there is nothing to look up.
var ErrEmptyIdentifier = errors.New("identifier is empty")

// NetworkError reports that every attempt allowed by the retry policy failed
// at the transport level. It is terminal: callers must not retry it again.
type NetworkError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("registry key %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Response is the raw registry payload for one identifier.
type Response struct {
	Key      string
	Body     []byte
	Attempts int
}

// Key derives the registry lookup key: the first KeyLength characters of the
// identifier, or the whole identifier when it is shorter.
func Key(identifier string) string {
	if utf8.RuneCountInString(identifier) <= KeyLength {
		return identifier
	}
	runes := []rune(identifier)
	return string(runes[:KeyLength])
}

// Config controls the registry client.
type Config struct {
	Endpoint string
}

// Client resolves identifiers against the registry. It is safe for
// concurrent use.
type Client struct {
	fetcher  cadastre.Fetcher
	policy   cadastre.RetryPolicy
	endpoint *url.URL
	logger   *zap.Logger
	tracer   trace.Tracer
	wait     func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. A nil policy defaults to three attempts one
// second apart.
func NewClient(fetcher cadastre.Fetcher, policy cadastre.RetryPolicy, cfg Config, logger *zap.Logger) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if policy == nil {
		policy = cadastre.NewFixedRetryPolicy(3, time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	raw := cfg.Endpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse registry endpoint: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("registry endpoint %q must be absolute", raw)
	}
	return &Client{
		fetcher:  fetcher,
		policy:   policy,
		endpoint: endpoint,
		logger:   logger,
		tracer:   otel.Tracer("github.com/JakeFAU/parcel-mapper/internal/registry"),
		wait:     sleepContext,
	}, nil
}

// RequestURL builds the GetParcel stored-query URL for a registry key.
func (c *Client) RequestURL(key string) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("service", "WFS")
	q.Set("version", "2")
	q.Set("request", "GetFeature")
	q.Set("STOREDQUERIE_ID", "GetParcel")
	q.Set("refcat", key)
	q.Set("srsname", "EPSG::4326")
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch retrieves the raw GML document for identifier. Transport failures are
// retried per the policy; exhausting it yields a *NetworkError. Any other
// error is returned immediately.
func (c *Client) Fetch(ctx context.Context, identifier string) (Response, error) {
	key := Key(identifier)
	if key == "" {
		return Response{}, ErrEmptyIdentifier
	}

	ctx, span := c.tracer.Start(ctx, "registry.fetch", trace.WithAttributes(
		attribute.String("registry.key", key),
	))
	defer span.End()

	req := cadastre.FetchRequest{
		URL:     c.RequestURL(key),
		Headers: http.Header{"Accept": {"application/xml, text/xml"}},
	}
	logger := c.logger.With(zap.String("identifier", identifier), zap.String("registry_key", key))

	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.fetcher.Fetch(ctx, req)
		metrics.ObserveRegistryRequest(err == nil, time.Since(start))
		if err == nil {
			span.SetAttributes(attribute.Int("registry.attempts", attempt))
			return Response{Key: key, Body: resp.Body, Attempts: attempt}, nil
		}

		if !c.policy.ShouldRetry(err, attempt) {
			netErr := &NetworkError{Key: key, Attempts: attempt, Err: err}
			span.RecordError(netErr)
			span.SetStatus(codes.Error, "registry fetch failed")
			return Response{}, netErr
		}

		delay := c.policy.Backoff(attempt)
		logger.Debug("registry attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry()
		if werr := c.wait(ctx, delay); werr != nil {
			netErr := &NetworkError{Key: key, Attempts: attempt, Err: fmt.Errorf("wait before retry: %w", werr)}
			span.RecordError(netErr)
			span.SetStatus(codes.Error, "registry fetch canceled")
			return Response{}, netErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
