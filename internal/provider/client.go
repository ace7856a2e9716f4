package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditgate/internal/config"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is fatal: retrying the same identifier cannot succeed.
	ErrNotFound = errors.New("item_not_found")
	// ErrBadRequest is fatal: the provider rejected the request shape.
	ErrBadRequest = errors.New("provider_rejected_request")
	// ErrRateLimited is retryable and may carry a Retry-After hint.
	ErrRateLimited = errors.New("provider_rate_limited")
	// ErrProviderUnavailable covers 5xx and transport failures, retryable.
	ErrProviderUnavailable = errors.New("provider_unavailable")
)

// RateLimitedError wraps ErrRateLimited with the provider's Retry-After hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider_rate_limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Retryable reports whether the worker should requeue the item. Context
// cancellation counts: an item interrupted mid-call (worker shutdown,
// request deadline) is requeued rather than marked failed.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterHint extracts the provider's cool-down hint, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Conversion is the result of mapping an identifier into the target catalog.
type Conversion struct {
	TargetID   string  `json:"target_id"`
	Confidence float64 `json:"confidence"`
}

type Client interface {
	// Fetch returns the provider's product payload verbatim.
	Fetch(ctx context.Context, identifier, marketplace string) (json.RawMessage, error)
	// Convert maps an identifier into the target catalog.
	Convert(ctx context.Context, identifier, marketplace string) (*Conversion, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type httpClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewHTTPClient(p Params) Client {
	timeout := p.Cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL:    strings.TrimRight(p.Cfg.ProviderBaseURL, "/"),
		apiKey:     p.Cfg.ProviderAPIKey,
		http:       &http.Client{Timeout: timeout},
		log:        p.Log.Named("provider.client"),
		obsMetrics: p.ObsMetrics,
	}
}

func (c *httpClient) Fetch(ctx context.Context, identifier, marketplace string) (json.RawMessage, error) {
	body, err := c.do(ctx, fmt.Sprintf("/v1/products/%s/%s",
		url.PathEscape(marketplace), url.PathEscape(identifier)))
	c.record(ctx, "fetch", err)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *httpClient) Convert(ctx context.Context, identifier, marketplace string) (*Conversion, error) {
	body, err := c.do(ctx, fmt.Sprintf("/v1/convert/%s/%s",
		url.PathEscape(marketplace), url.PathEscape(identifier)))
	c.record(ctx, "convert", err)
	if err != nil {
		return nil, err
	}

	var conv Conversion
	if err := json.Unmarshal(body, &conv); err != nil {
		return nil, fmt.Errorf("%w: malformed conversion response", ErrProviderUnavailable)
	}
	if strings.TrimSpace(conv.TargetID) == "" {
		return nil, ErrNotFound
	}
	return &conv, nil
}

func (c *httpClient) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Transport errors and client timeouts are retryable.
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
	}
}

func (c *httpClient) record(ctx context.Context, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case errors.Is(err, ErrProviderUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	c.obsMetrics.RecordProviderCall(ctx, op, result)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
