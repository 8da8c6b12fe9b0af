// Package listing fetches and parses theater listing pages.
package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/target"
)

// Concurrency settings
const (
	// MaxConcurrencyPerHost is the default limit on parallel requests to the provider.
	MaxConcurrencyPerHost = 2
	// DelayBetweenHostRequests is the minimum delay between requests to the same host.
	DelayBetweenHostRequests = 500 * time.Millisecond
	// MaxAttempts is how often a page is requested before giving up.
	MaxAttempts = 2
)

// Fetcher produces a snapshot of a target's listing. Implementations never
// return a partial snapshot: either the whole listing or an error.
type Fetcher interface {
	Fetch(ctx context.Context, t model.Target) (*model.Snapshot, error)
}

// FetchError reports a failed fetch of a target's listing.
type FetchError struct {
	URL        string
	StatusCode int  // 0 when no response was received
	Redirected bool // provider answered with another date's listing
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Redirected:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrDateNotOpen is wrapped by a FetchError when the provider redirects a
// listing to another date, usually because bookings are not open yet.
var ErrDateNotOpen = errors.New("date not open for booking")

// hostLimiter controls rate limiting per host to avoid overwhelming the provider.
type hostLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
	delay       time.Duration
	limit       int
}

func newHostLimiter(delay time.Duration, limit int) *hostLimiter {
	return &hostLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
		delay:       delay,
		limit:       limit,
	}
}

// acquire gets a slot for the host, blocking if necessary.
// It also enforces the minimum delay between requests to the same host.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, hl.limit)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	hl.mu.Lock()
	lastReq := hl.lastRequest[host]
	hl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < hl.delay {
			select {
			case <-time.After(hl.delay - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns a slot for the host and records the request time.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.lastRequest[host] = time.Now()
	if sem, ok := hl.semaphores[host]; ok {
		<-sem
	}
}

// HTTPFetcher loads listing pages over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	baseURL   string
	userAgent string
	limiter   *hostLimiter
	retry     time.Duration
	log       logx.Logger
	now       func() time.Time
}

// Options configures an HTTPFetcher.
type Options struct {
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	HostDelay       time.Duration
	HostConcurrency int           // parallel requests per host; default MaxConcurrencyPerHost
	RetryDelay      time.Duration // pause before the second attempt; default 1s
	Client          *http.Client
	Log             logx.Logger
}

// NewHTTPFetcher creates a fetcher for the provider at opts.BaseURL.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	delay := opts.HostDelay
	if delay <= 0 {
		delay = DelayBetweenHostRequests
	}
	perHost := opts.HostConcurrency
	if perHost <= 0 {
		perHost = MaxConcurrencyPerHost
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = time.Second
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPFetcher{
		client:    client,
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		limiter:   newHostLimiter(delay, perHost),
		retry:     retry,
		log:       log.With(logx.String("comp", "listing")),
		now:       time.Now,
	}
}

// Fetch downloads and parses the listing of t.
func (f *HTTPFetcher) Fetch(ctx context.Context, t model.Target) (*model.Snapshot, error) {
	pageURL := t.URL(f.baseURL)
	host := extractHost(pageURL)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(f.retry):
			case <-ctx.Done():
				return nil, &FetchError{URL: pageURL, Err: ctx.Err()}
			}
		}
		if err := f.limiter.acquire(ctx, host); err != nil {
			return nil, &FetchError{URL: pageURL, Err: fmt.Errorf("rate limit cancelled: %w", err)}
		}
		snap, err := f.fetchOnce(ctx, pageURL, t)
		f.limiter.release(host)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		var fe *FetchError
		if errors.As(err, &fe) && (fe.Redirected || (fe.StatusCode >= 400 && fe.StatusCode < 500)) {
			break
		}
		f.log.Debug("fetch attempt failed", logx.String("url", pageURL), logx.Int("attempt", attempt), logx.Err(err))
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, pageURL string, t model.Target) (*model.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: pageURL, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if final := resp.Request.URL; final != nil && final.String() != pageURL {
		if actual, err := target.Resolve(final.String()); err == nil && actual.DateString() != t.DateString() {
			return nil, &FetchError{
				URL:        pageURL,
				StatusCode: resp.StatusCode,
				Redirected: true,
				Err:        fmt.Errorf("%w: %s redirected to %s", ErrDateNotOpen, t.FormattedDate(), actual.FormattedDate()),
			}
		}
	}

	snap, err := Parse(resp.Body, t)
	if err != nil {
		return nil, &FetchError{URL: pageURL, StatusCode: resp.StatusCode, Err: err}
	}
	snap.FetchedAt = f.now().UTC()
	return snap, nil
}

// extractHost gets the host from a URL.
func extractHost(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	return u.Host
}
