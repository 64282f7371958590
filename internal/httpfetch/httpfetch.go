// Package httpfetch provides a resilient JSON-fetching HTTP client with
// circuit breaker protection, exponential backoff, Retry-After honoring,
// transparent decompression, and a shell-out fallback for environments
// where the in-process resolver cannot reach the network.
//
// It is the crawler's sole means of talking to remote PeerTube instances;
// every walker stage calls FetchJSON rather than using net/http directly.
package httpfetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/denikryt/peertube-crawler/internal/fault"
)

// Default backoff parameters from the fetch contract: start at 1s, double,
// cap at 30s.
const (
	DefaultBackoffStart = 1000 * time.Millisecond
	DefaultBackoffCap   = 30000 * time.Millisecond
	backoffMultiplier   = 2.0

	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
	headerRetryAfter      = "Retry-After"

	acceptEncodingValue = "gzip, deflate, br"
)

// Config controls a Client's behavior. Each stage builds its own Config from
// its stageconfig values.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	Logger     *slog.Logger

	// CircuitThreshold is the number of consecutive failures against a
	// single host before its breaker opens.
	CircuitThreshold int
	// CircuitTimeout is how long an open breaker stays open before probing.
	CircuitTimeout time.Duration

	// ShellFallback enables the out-of-process curl fallback on no-network
	// faults. Disabled in tests by default.
	ShellFallback bool
}

// DefaultConfig returns sane defaults for MaxRetries=3, Timeout=5s.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MaxRetries:       3,
		UserAgent:        "peertube-crawler/1.0",
		Logger:           slog.Default(),
		CircuitThreshold: 5,
		CircuitTimeout:   30 * time.Second,
		ShellFallback:    true,
	}
}

// Client fetches JSON documents with retry, backoff, and per-host circuit
// breaking.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
	breakers *breakerRegistry
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
		breakers: newBreakerRegistry(cfg.CircuitThreshold, cfg.CircuitTimeout),
	}
}

// FetchJSON performs a GET against rawURL, decodes the JSON body into a
// value of type T, and returns it. maxRetries overrides the client's
// configured retry budget for this single call (used for the half-budget
// protocol-fallback leg).
func FetchJSON[T any](ctx context.Context, c *Client, rawURL string, maxRetries int) (T, error) {
	var zero T

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return zero, &fault.Fault{Kind: fault.KindClientError, Message: "invalid URL: " + err.Error(), Cause: err}
	}
	breaker := c.breakers.get(parsed.Hostname())

	body, ferr := c.fetch(ctx, rawURL, breaker, maxRetries)
	if ferr != nil {
		return zero, ferr
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	var out T
	if err := dec.Decode(&out); err != nil {
		return zero, fault.ClassifyDecode(err)
	}
	return out, nil
}

// fetch runs the retry/backoff ladder described in the fetch contract:
//  1. transport errors classify as no-network and trigger the shell-out
//     fallback before being re-raised;
//  2. HTTP 429 sleeps max(Retry-After, backoff) and does not consume budget;
//  3. HTTP 5xx sleeps backoff and consumes one retry;
//  4. HTTP 4xx (not 429) is terminal;
//  5. exhausting the budget re-raises the last fault.
func (c *Client) fetch(ctx context.Context, rawURL string, breaker *CircuitBreaker, maxRetries int) (io.ReadCloser, *fault.Fault) {
	backoff := DefaultBackoffStart
	var lastFault *fault.Fault

	retriesUsed := 0
	for {
		if !breaker.Allow() {
			return nil, fault.New(fault.KindNoNetwork, "circuit breaker open for "+hostOf(rawURL))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindClientError, err)
		}
		req.Header.Set(headerUserAgent, c.cfg.UserAgent)
		req.Header.Set(headerAcceptEncoding, acceptEncodingValue)

		resp, err := c.http.Do(req)
		if err != nil {
			// Only a transport-level failure (no response received at all)
			// counts toward the breaker: it is the one signal that the
			// process itself cannot reach the host, as opposed to the host
			// answering with an error status. HTTP faults below recover
			// per-host/per-URL per the fetch contract and must never trip
			// the breaker into a false no-network state for the rest of
			// the run.
			breaker.RecordFailure()
			f := fault.ClassifyTransport(err)
			lastFault = f

			if f.Kind == fault.KindNoNetwork && c.cfg.ShellFallback {
				if body, shErr := shellFallbackGet(ctx, rawURL); shErr == nil {
					breaker.RecordSuccess()
					return body, nil
				}
			}

			if f.Kind == fault.KindNoNetwork {
				return nil, f
			}
			if retriesUsed >= maxRetries {
				return nil, lastFault
			}
			retriesUsed++
			if !c.sleepBackoff(ctx, &backoff) {
				return nil, lastFault
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			breaker.RecordSuccess()
			return c.decompress(resp), nil
		}

		retryAfter := fault.ParseRetryAfter(resp.Header.Get(headerRetryAfter))
		f := fault.ClassifyStatus(resp.StatusCode, retryAfter)
		resp.Body.Close()
		lastFault = f

		// A non-2xx status means the host answered, so none of these
		// branches record a breaker failure: 429/5xx/4xx are per-host,
		// per-URL conditions with their own recovery paths, not evidence
		// the process has lost its network path.
		switch f.Kind {
		case fault.KindRateLimited:
			sleep := backoff
			if retryAfter > sleep {
				sleep = retryAfter
			}
			if !c.sleepFor(ctx, sleep) {
				return nil, lastFault
			}
			// Retry-After honoring does not consume the retry budget.
			continue

		case fault.KindServerError:
			if retriesUsed >= maxRetries {
				return nil, lastFault
			}
			retriesUsed++
			if !c.sleepBackoff(ctx, &backoff) {
				return nil, lastFault
			}
			continue

		default:
			return nil, lastFault
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	if !c.sleepFor(ctx, *backoff) {
		return false
	}
	next := time.Duration(float64(*backoff) * backoffMultiplier)
	if next > DefaultBackoffCap {
		next = DefaultBackoffCap
	}
	*backoff = next
	return true
}

func (c *Client) sleepFor(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) decompress(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get(headerContentEncoding))
	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("gzip reader init failed, using raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return &wrappedReader{reader: r, closer: resp.Body}
	case "deflate":
		return &wrappedReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &wrappedReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

type wrappedReader struct {
	reader io.Reader
	closer io.Closer
}

func (w *wrappedReader) Read(p []byte) (int, error) { return w.reader.Read(p) }

func (w *wrappedReader) Close() error {
	if c, ok := w.reader.(io.Closer); ok {
		c.Close()
	}
	return w.closer.Close()
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Hostname()
	}
	return rawURL
}

// shellFallbackGet re-issues the request via curl, for sandboxes where the
// in-process resolver cannot reach the network but the host's shell can.
// The command's stdout is treated as the 200 body.
func shellFallbackGet(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "curl", "-fsSL", "--max-time", "10", rawURL)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(out.Bytes())), nil
}

// breakerRegistry hands out one CircuitBreaker per hostname, matching the
// per-service registry pattern used for the resilient client elsewhere in
// the ecosystem (a single shared breaker per remote identity rather than a
// global one).
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
}

func newBreakerRegistry(threshold int, timeout time.Duration) *breakerRegistry {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &breakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (r *breakerRegistry) get(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[host]; ok {
		return b
	}
	b := NewCircuitBreaker(r.threshold, r.timeout)
	r.breakers[host] = b
	return b
}

// fmtURL is used by callers constructing paginated listing URLs.
func fmtURL(base, path string, query url.Values) string {
	u := strings.TrimSuffix(base, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// BuildURL exposes fmtURL to walker packages so every paginated listing URL
// is assembled the same way.
func BuildURL(base, path string, query url.Values) string {
	return fmtURL(base, path, query)
}
