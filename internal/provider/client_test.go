package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPClient(Params{
		Log: zap.NewNop(),
		Cfg: config.Config{
			ProviderBaseURL: srv.URL,
			ProviderAPIKey:  "k",
			ProviderTimeout: time.Second,
		},
	})
}

func TestFetchReturnsPayload(t *testing.T) {
	var gotPath, gotKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"widget","price":999}`))
	})

	payload, err := client.Fetch(context.Background(), "B0ABC123", "us")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"widget","price":999}`, string(payload))
	assert.Equal(t, "/v1/products/us/B0ABC123", gotPath)
	assert.Equal(t, "k", gotKey)
}

func TestFetchClassifiesStatusCodes(t *testing.T) {
	cases := map[string]struct {
		status int
		want   error
		retry  bool
	}{
		"not found":   {http.StatusNotFound, ErrNotFound, false},
		"bad request": {http.StatusBadRequest, ErrBadRequest, false},
		"rate limit":  {http.StatusTooManyRequests, ErrRateLimited, true},
		"server err":  {http.StatusInternalServerError, ErrProviderUnavailable, true},
		"bad gateway": {http.StatusBadGateway, ErrProviderUnavailable, true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := client.Fetch(context.Background(), "x", "us")
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.retry, Retryable(err))
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Fetch(context.Background(), "x", "us")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 7*time.Second, RetryAfterHint(err))
}

func TestRetryAfterHintZeroForOtherErrors(t *testing.T) {
	assert.Zero(t, RetryAfterHint(ErrProviderUnavailable))
	assert.Zero(t, RetryAfterHint(nil))
}

func TestFetchTimeoutIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	})
	c := client.(*httpClient)
	c.http.Timeout = 10 * time.Millisecond

	_, err := c.Fetch(context.Background(), "x", "us")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, Retryable(err))
}

func TestConvertParsesResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convert/us/SKU-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"target_id":"B0XYZ789","confidence":0.93}`))
	})

	conv, err := client.Convert(context.Background(), "SKU-1", "us")
	require.NoError(t, err)
	assert.Equal(t, "B0XYZ789", conv.TargetID)
	assert.InDelta(t, 0.93, conv.Confidence, 1e-9)
}

func TestConvertEmptyTargetIsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"target_id":"","confidence":0}`))
	})

	_, err := client.Convert(context.Background(), "SKU-1", "us")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextCancellationPropagates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.Fetch(ctx, "x", "us")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, Retryable(err))
}

func TestCancellationIsRetryable(t *testing.T) {
	assert.True(t, Retryable(context.Canceled))
	assert.True(t, Retryable(fmt.Errorf("fetch: %w", context.Canceled)))
	assert.False(t, Retryable(ErrNotFound))
}
