package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denikryt/peertube-crawler/internal/fault"
)

type payload struct {
	Value string `json:"value"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShellFallback = false
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestFetchJSON_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	c := New(testConfig())
	got, err := FetchJSON[payload](context.Background(), c, server.URL, 3)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Value)
}

func TestFetchJSON_InvalidJSONIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	c := New(testConfig())
	_, err := FetchJSON[payload](context.Background(), c, server.URL, 3)
	require.Error(t, err)

	var f *fault.Fault
	require.True(t, fault.As(err, &f))
	assert.Equal(t, fault.KindInvalidBody, f.Kind)
}

func TestFetchJSON_4xxIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(testConfig())
	_, err := FetchJSON[payload](context.Background(), c, server.URL, 3)
	require.Error(t, err)

	var f *fault.Fault
	require.True(t, fault.As(err, &f))
	assert.Equal(t, fault.KindClientError, f.Kind)
	assert.Equal(t, http.StatusNotFound, f.StatusCode)
}

func TestFetchJSON_5xxRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"value":"recovered"}`))
	}))
	defer server.Close()

	cfg := testConfig()
	c := New(cfg)
	got, err := FetchJSON[payload](context.Background(), c, server.URL, 3)
	require.NoError(t, err)
	assert.Equal(t, "recovered", got.Value)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestFetchJSON_5xxExhaustsBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(testConfig())
	_, err := FetchJSON[payload](context.Background(), c, server.URL, 1)
	require.Error(t, err)

	var f *fault.Fault
	require.True(t, fault.As(err, &f))
	assert.Equal(t, fault.KindServerError, f.Kind)
}

// TestFetchJSON_RetryAfterDoesNotConsumeBudget matches scenario S4: a 429
// with Retry-After on the first call, success on the second. maxRetries=0
// would exhaust immediately for a 5xx, but the Retry-After sleep must not
// consume any retry budget, so the second call still succeeds.
func TestFetchJSON_RetryAfterDoesNotConsumeBudget(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	c := New(testConfig())
	start := time.Now()
	got, err := FetchJSON[payload](context.Background(), c, server.URL, 0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", got.Value)
	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	assert.Equal(t, 3*time.Second, fault.ParseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), fault.ParseRetryAfter(""))
}
