package mandate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"x402-gateway/internal/headers"
	"x402-gateway/internal/transport"
)

// Transfer limits for mandate URLs.
const (
	DefaultConnectTimeout = 200 * time.Millisecond
	DefaultReadTimeout    = 500 * time.Millisecond
	DefaultMaxRetries     = 2
	DefaultBackoff        = 50 * time.Millisecond
	DefaultMaxBytes       = 25 << 20 // 25MB
)

// FetcherConfig configures a Fetcher. Zero values take the defaults above.
type FetcherConfig struct {
	Guard          *transport.Guard
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	Backoff        time.Duration
	MaxBytes       int64
	AllowRedirect  bool // at most one redirect, same host, https

	// CacheTTL enables a short-lived body cache when positive.
	CacheTTL     time.Duration
	CacheEntries int

	// Transport overrides the guarded transport. Tests use this to reach httptest servers;
	// CheckURL still runs before every request.
	Transport http.RoundTripper
	Logger    *slog.Logger
	Now       func() time.Time
}

// Fetcher downloads mandate documents from https URLs under the SSRF guard.
type Fetcher struct {
	guard      *transport.Guard
	client     *http.Client
	attempt    time.Duration
	maxRetries int
	backoff    time.Duration
	maxBytes   int64
	cache      *bodyCache
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Guard == nil {
		cfg.Guard = transport.NewGuard(transport.GuardConfig{ConnectTimeout: cfg.ConnectTimeout})
	}

	rt := cfg.Transport
	if rt == nil {
		rt = transport.NewGuardedTransport(cfg.Guard, cfg.ReadTimeout)
	}

	f := &Fetcher{
		guard:      cfg.Guard,
		attempt:    cfg.ConnectTimeout + cfg.ReadTimeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBytes:   cfg.MaxBytes,
		logger:     cfg.Logger,
	}
	f.client = &http.Client{
		Transport:     rt,
		CheckRedirect: f.redirectPolicy(cfg.AllowRedirect),
	}
	if cfg.CacheTTL > 0 {
		f.cache = newBodyCache(cfg.CacheTTL, cfg.CacheEntries, cfg.Now)
	}
	return f
}

func (f *Fetcher) redirectPolicy(allow bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if !allow {
			return http.ErrUseLastResponse
		}
		if len(via) > 1 {
			return fmt.Errorf("%w: more than one redirect", ErrFetchBlocked)
		}
		if hostPort(req.URL) != hostPort(via[0].URL) {
			return fmt.Errorf("%w: redirect to another host", ErrFetchBlocked)
		}
		if err := f.guard.CheckURL(req.URL); err != nil {
			return fmt.Errorf("%w: %v", ErrFetchBlocked, err)
		}
		return nil
	}
}

// hostPort returns the lowercased host with an explicit port, so
// https://a.example and https://a.example:443 compare equal.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

// Fetch downloads rawURL. Policy violations fail before any network access.
// Transient failures (timeouts, 5xx, 429) are retried with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchBlocked, err)
	}
	if err := f.guard.CheckURL(u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchBlocked, err)
	}

	if f.cache != nil {
		if body, ok := f.cache.get(rawURL); ok {
			return body, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			wait := f.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrFetchTimeout, ctx.Err())
			case <-time.After(wait):
			}
		}

		body, resp, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			if f.cache != nil {
				f.cache.put(rawURL, body, resp)
			}
			return body, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		f.logger.Debug("mandate fetch retry",
			slog.String("url", u.Redacted()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attempt)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", headers.MandateMimeType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, nil, &retryableError{fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, nil, fmt.Errorf("%w: redirect not followed (status %d)", ErrFetchFailed, resp.StatusCode)
	default:
		return nil, nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != headers.MandateMimeType {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ct)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, nil, fmt.Errorf("%w: content-length %d", ErrPayloadTooLarge, resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, nil, fmt.Errorf("%w: exceeds %d bytes", ErrPayloadTooLarge, f.maxBytes)
	}
	return body, resp, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, transport.ErrBlocked) || errors.Is(err, ErrFetchBlocked) {
		return fmt.Errorf("%w: %v", ErrFetchBlocked, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &retryableError{fmt.Errorf("%w: %v", ErrFetchTimeout, err)}
	}
	return &retryableError{fmt.Errorf("%w: %v", ErrFetchFailed, err)}
}
