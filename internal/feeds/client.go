package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/circuitbreaker"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/engine"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/logger"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/metrics"
)

// maxFeedBytes bounds how large a single feed payload may be.
const maxFeedBytes = 4 << 20

// FeedKey is the cache key for a news category, e.g. feeds:news:technology.
func FeedKey(category string) string {
	return "feeds:news:" + category
}

// StatusError reports a terminal non-2xx feed response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Options configures the feed client.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	// BreakerThreshold is how many consecutive failed fetch cycles open
	// the circuit. Zero applies the breaker default.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit waits before probing.
	BreakerCooldown time.Duration
}

// Client fetches upstream news feeds with bounded retries. 429 and 5xx
// responses are retried, honoring Retry-After in both seconds and HTTP
// date form; any other status is terminal. A circuit breaker sheds
// fetches while the upstream keeps failing whole retry cycles.
type Client struct {
	http       *http.Client
	baseURL    string
	userAgent  string
	maxRetries int
	retryBase  time.Duration
	breaker    *circuitbreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 300 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "goodbooks-warmd/0.1"
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		userAgent:  opts.UserAgent,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "feeds",
			FailureThreshold: opts.BreakerThreshold,
			Timeout:          opts.BreakerCooldown,
		}),
	}
}

// FetchCategory fetches one category feed and returns its JSON payload.
// An open circuit rejects the fetch without touching the network.
func (c *Client) FetchCategory(ctx context.Context, category string) ([]byte, error) {
	if category == "" {
		return nil, errors.New("empty feed category")
	}

	start := time.Now()
	defer func() {
		metrics.FeedFetchDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}()

	var payload []byte
	err := c.breaker.Call(func() error {
		var err error
		payload, err = c.fetch(ctx, category)
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			metrics.FeedFetches.WithLabelValues(category, "skipped").Inc()
			return nil, fmt.Errorf("feed %q: %w", category, err)
		}
		metrics.FeedFetches.WithLabelValues(category, "failure").Inc()
		return nil, err
	}

	metrics.FeedFetches.WithLabelValues(category, "success").Inc()
	return payload, nil
}

// fetch runs one full fetch cycle, retries included.
func (c *Client) fetch(ctx context.Context, category string) ([]byte, error) {
	endpoint := c.baseURL + "/news/" + url.PathEscape(category)
	resp, err := c.doWithRetry(ctx, category, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed %q: %w", category, err)
	}
	if len(body) > maxFeedBytes {
		return nil, fmt.Errorf("feed %q exceeds %d bytes", category, maxFeedBytes)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("feed %q returned invalid JSON", category)
	}
	return body, nil
}

// doWithRetry runs the request up to maxRetries times. The build function
// produces a fresh request per attempt so the body and context are never
// reused across tries.
func (c *Client) doWithRetry(ctx context.Context, category string, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == c.maxRetries || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			metrics.FeedFetches.WithLabelValues(category, "retry").Inc()
		} else {
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				return resp, nil
			}
			// 429 or 5xx. The last attempt hands the response back to the
			// caller so the status survives in the error.
			if attempt == c.maxRetries {
				return resp, nil
			}
			resp.Body.Close()
			metrics.FeedFetches.WithLabelValues(category, "retry").Inc()
			if wait, ok := retryAfter(resp); ok {
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
		}
		jitter := time.Duration(rand.Intn(200)) * time.Millisecond
		if err := sleep(ctx, c.retryBase*time.Duration(attempt)+jitter); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("exhausted retries")
}

// WarmJob returns a job body that fetches the category and publishes it
// under FeedKey(category) with an adaptive TTL.
func (c *Client) WarmJob(coord *cache.Coordinator, category string, baseTTL time.Duration) engine.JobBody {
	return engine.BodyFunc(func(ctx context.Context) ([]byte, error) {
		payload, err := c.FetchCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		key := FeedKey(category)
		ttl := coord.AdaptiveTTL(key, baseTTL)
		if err := coord.Write(ctx, key, payload, ttl); err != nil {
			logger.WarnContext(ctx, "Feed cached locally only", "key", key, "error", err)
		}
		logger.InfoContext(ctx, "Warmed news feed", "key", key, "bytes", len(payload), "ttl", ttl.String())
		return payload, nil
	})
}

// retryAfter reads the Retry-After header in either seconds or HTTP date
// form. Absent, malformed, or already-elapsed values report false.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(ra); err == nil {
		if delta := time.Until(t); delta > 0 {
			return delta, true
		}
	}
	return 0, false
}

// sleep waits for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
