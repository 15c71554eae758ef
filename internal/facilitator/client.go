package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"x402-gateway/internal/model"
	"x402-gateway/internal/transport"
)

// Defaults for the upstream client.
const (
	DefaultVerifyURL     = "http://localhost:8001/verify"
	DefaultSettleURL     = "http://localhost:8001/settle"
	DefaultTimeout       = 15 * time.Second
	DefaultDialRetries   = 2
	DefaultBackoff       = 100 * time.Millisecond
	maxErrorBodyBytes    = 4 << 10
	maxResponseBodyBytes = 1 << 20
)

// Config holds facilitator client configuration.
type Config struct {
	VerifyURL string
	SettleURL string
	Timeout   time.Duration

	// TLSFingerprint selects the upstream transport ("" or "chrome").
	TLSFingerprint string
	DialRetries    int
	Backoff        time.Duration

	// Transport overrides the fingerprinted transport (tests).
	Transport http.RoundTripper
	Logger    *slog.Logger

	// Observe, when set, receives every exchange with the caller's context.
	// The gateway uses it for debug snapshots and the audit log.
	Observe func(context.Context, Exchange)
}

// Exchange records one upstream call.
type Exchange struct {
	Op         Op
	URL        string
	Request    []byte
	StatusCode int // 0 when no response was received
	Response   []byte
	Err        error
	Duration   time.Duration
}

// HTTPClient implements Facilitator over HTTP.
type HTTPClient struct {
	httpClient  *http.Client
	verifyURL   string
	settleURL   string
	dialRetries int
	backoff     time.Duration
	logger      *slog.Logger
	observe     func(context.Context, Exchange)
}

// New creates a facilitator client with the given configuration.
func New(cfg Config) (*HTTPClient, error) {
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	if cfg.SettleURL == "" {
		cfg.SettleURL = DefaultSettleURL
	}
	for _, u := range []string{cfg.VerifyURL, cfg.SettleURL} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("facilitator URL %q must be http or https", u)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DialRetries < 0 {
		cfg.DialRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rt := cfg.Transport
	if rt == nil {
		var err error
		rt, err = transport.NewUpstreamTransport(cfg.TLSFingerprint, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(rt),
		},
		verifyURL:   cfg.VerifyURL,
		settleURL:   cfg.SettleURL,
		dialRetries: cfg.DialRetries,
		backoff:     cfg.Backoff,
		logger:      cfg.Logger,
		observe:     cfg.Observe,
	}, nil
}

// URLs returns the configured verify and settle endpoints.
func (c *HTTPClient) URLs() (verify, settle string) {
	return c.verifyURL, c.settleURL
}

// Verify posts req to the verify endpoint and normalizes the result.
func (c *HTTPClient) Verify(ctx context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error) {
	body, err := c.post(ctx, OpVerify, c.verifyURL, req)
	if err != nil {
		return nil, err
	}
	return normalizeVerify(body)
}

// Settle posts req to the settle endpoint and normalizes the result.
func (c *HTTPClient) Settle(ctx context.Context, req *model.FacilitatorRequest) (*model.SettleResponse, error) {
	body, err := c.post(ctx, OpSettle, c.settleURL, req)
	if err != nil {
		return nil, err
	}
	return normalizeSettle(body)
}

// post sends payload, retrying only when the connection could not be opened.
// Once bytes may have reached the facilitator a retry could settle twice.
func (c *HTTPClient) post(ctx context.Context, op Op, url string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal facilitator request: %w", err)
	}

	ex := Exchange{Op: op, URL: url, Request: reqBody}
	start := time.Now()
	defer func() {
		ex.Duration = time.Since(start)
		if c.observe != nil {
			c.observe(ctx, ex)
		}
	}()

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			ex.Err = fmt.Errorf("%w: %v", ErrUpstream, err)
			return nil, ex.Err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		resp, err = c.httpClient.Do(httpReq)
		if err == nil {
			break
		}
		if !isDialError(err) {
			ex.Err = fmt.Errorf("%w: %v", ErrUpstream, err)
			return nil, ex.Err
		}
		if attempt >= c.dialRetries || ctx.Err() != nil {
			ex.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return nil, ex.Err
		}
		c.logger.Warn("facilitator dial failed, retrying",
			slog.String("op", string(op)),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			ex.Err = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			return nil, ex.Err
		case <-time.After(c.backoff << attempt):
		}
	}
	defer resp.Body.Close()

	ex.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		ex.Response = text
		ex.Err = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
		return nil, ex.Err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		ex.Err = fmt.Errorf("%w: read body: %v", ErrUpstream, err)
		return nil, ex.Err
	}
	ex.Response = body
	return body, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// upstreamVerify accepts the field spellings seen across facilitator versions.
type upstreamVerify struct {
	IsValid       *bool   `json:"isValid"`
	Valid         *bool   `json:"valid"`
	Payer         string  `json:"payer"`
	InvalidReason *string `json:"invalidReason"`
	Reason        *string `json:"reason"`
}

func normalizeVerify(body []byte) (*model.VerifyResponse, error) {
	var u upstreamVerify
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %v", ErrUpstream, err)
	}
	out := &model.VerifyResponse{Payer: u.Payer, InvalidReason: u.InvalidReason}
	switch {
	case u.IsValid != nil:
		out.IsValid = *u.IsValid
	case u.Valid != nil:
		out.IsValid = *u.Valid
	default:
		return nil, fmt.Errorf("%w: verify response missing isValid", ErrUpstream)
	}
	if out.InvalidReason == nil {
		out.InvalidReason = u.Reason
	}
	return out, nil
}

type upstreamSettle struct {
	Success     *bool   `json:"success"`
	Payer       string  `json:"payer"`
	Transaction *string `json:"transaction"`
	TxHash      *string `json:"txHash"`
	Network     *string `json:"network"`
	ErrorReason *string `json:"errorReason"`
}

func normalizeSettle(body []byte) (*model.SettleResponse, error) {
	var u upstreamSettle
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: decode settle response: %v", ErrUpstream, err)
	}
	if u.Success == nil {
		return nil, fmt.Errorf("%w: settle response missing success", ErrUpstream)
	}
	out := &model.SettleResponse{
		Success:     *u.Success,
		Payer:       u.Payer,
		Transaction: u.Transaction,
		Network:     u.Network,
		ErrorReason: u.ErrorReason,
	}
	if out.Transaction == nil {
		out.Transaction = u.TxHash
	}
	return out, nil
}

// Verify HTTPClient implements Facilitator interface at compile time.
var _ Facilitator = (*HTTPClient)(nil)
