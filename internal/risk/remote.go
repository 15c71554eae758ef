package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RemoteConfig configures a RemoteEvaluator.
type RemoteConfig struct {
	URL        string // RISK_ENGINE_URL
	Token      string // static bearer token
	JWTSecret  string // signs a short-lived HS256 bearer token instead of Token
	Compat     bool   // adapt payloads for engines speaking agent_id/trace_id
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
	Transport  http.RoundTripper
	Logger     *slog.Logger
	Now        func() time.Time
}

// RemoteEvaluator forwards evaluation, session and trace creation to an
// external risk engine. Lookups are not available remotely.
type RemoteEvaluator struct {
	baseURL    string
	client     *http.Client
	token      string
	jwtSecret  []byte
	compat     bool
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

var (
	_ Evaluator = (*RemoteEvaluator)(nil)
	_ Sessions  = (*RemoteEvaluator)(nil)
)

// jwtLifetime bounds each signed bearer token.
const jwtLifetime = 60 * time.Second

// CompatEnabled reports whether a RISK_ENGINE_COMPAT value turns the adapter on.
func CompatEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "trustline", "tl", "on", "true", "1":
		return true
	}
	return false
}

// NewRemoteEvaluator creates a RemoteEvaluator.
func NewRemoteEvaluator(cfg RemoteConfig) (*RemoteEvaluator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("risk engine URL is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RemoteEvaluator{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(cfg.Transport),
		},
		token:      cfg.Token,
		jwtSecret:  []byte(cfg.JWTSecret),
		compat:     cfg.Compat,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

func (r *RemoteEvaluator) Evaluate(ctx context.Context, req *EvaluateRequest) (*Decision, error) {
	// Missing fields keep these defaults.
	d := &Decision{TTLSeconds: DefaultDecisionTTL, RiskLevel: LevelLow}
	if err := r.post(ctx, "/risk/evaluate", req, d); err != nil {
		return nil, err
	}
	if !d.Decision.valid() || d.DecisionID == "" {
		return nil, fmt.Errorf("%w: decision %q, decision_id %q", ErrInvalidResponse, d.Decision, d.DecisionID)
	}
	if d.Reasons == nil {
		d.Reasons = []string{}
	}
	if d.Warnings == nil {
		d.Warnings = []string{}
	}
	if d.Extra == nil {
		d.Extra = map[string]any{}
	}
	return d, nil
}

func (r *RemoteEvaluator) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	var out SessionResponse
	if err := r.post(ctx, "/risk/session", req, &out); err != nil {
		return nil, err
	}
	if out.SID == "" || out.ExpiresAt == "" {
		return nil, fmt.Errorf("%w: missing sid or expires_at", ErrInvalidResponse)
	}
	return &out, nil
}

func (r *RemoteEvaluator) CreateTrace(ctx context.Context, req *TraceRequest) (*TraceResponse, error) {
	var out struct {
		TID     string `json:"tid"`
		TraceID string `json:"trace_id"`
	}
	if err := r.post(ctx, "/risk/trace", req, &out); err != nil {
		return nil, err
	}
	if out.TID == "" {
		out.TID = out.TraceID
	}
	if out.TID == "" {
		return nil, fmt.Errorf("%w: missing tid", ErrInvalidResponse)
	}
	return &TraceResponse{TID: out.TID}, nil
}

func (r *RemoteEvaluator) GetSession(ctx context.Context, sid string) (*Session, error) {
	return nil, ErrNotImplemented
}

func (r *RemoteEvaluator) GetTrace(ctx context.Context, tid string) (*Trace, error) {
	return nil, ErrNotImplemented
}

// post sends payload to path and decodes a 200 JSON answer into out.
func (r *RemoteEvaluator) post(ctx context.Context, path string, payload, out any) error {
	body, err := r.encode(path, payload)
	if err != nil {
		return err
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrRiskUnavailable, ctx.Err())
			case <-time.After(r.backoff << (attempt - 1)):
			}
		}
		resp, lastErr = r.send(ctx, path, body)
		if lastErr == nil {
			break
		}
		r.logger.Warn("risk engine request failed",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRiskUnavailable, lastErr)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrRiskUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &EngineError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return fmt.Errorf("%w: content-type %q", ErrInvalidResponse, resp.Header.Get("Content-Type"))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (r *RemoteEvaluator) send(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	bearer, err := r.bearer()
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r.client.Do(req)
}

func (r *RemoteEvaluator) bearer() (string, error) {
	if len(r.jwtSecret) == 0 {
		return r.token, nil
	}
	now := r.now()
	claims := jwt.RegisteredClaims{
		Issuer:    "x402-gateway",
		Audience:  jwt.ClaimStrings{"risk-engine"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign risk engine token: %w", err)
	}
	return signed, nil
}

// encode marshals payload, applying the compat adapter when enabled.
func (r *RemoteEvaluator) encode(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", path, err)
	}
	if !r.compat {
		return data, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("adapt %s: %w", path, err)
	}
	if err := adaptForEngine(path, m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// adaptForEngine rewrites gateway payloads for engines that name the agent
// agent_id, require a device, and take fingerprint/telemetry as JSON strings.
func adaptForEngine(path string, p map[string]any) error {
	switch {
	case strings.HasSuffix(path, "/risk/session"):
		if v, ok := p["agent_did"]; ok {
			p["agent_id"] = v
			delete(p, "agent_did")
		}
		if _, ok := p["agent_id"]; ok {
			if _, ok := p["device"]; !ok {
				p["device"] = map[string]any{"ua": "x402-gateway"}
			}
		}
	case strings.HasSuffix(path, "/risk/trace"):
		for _, k := range []string{"fingerprint", "telemetry"} {
			obj, ok := p[k].(map[string]any)
			if !ok {
				continue
			}
			s, err := json.Marshal(obj)
			if err != nil {
				return fmt.Errorf("adapt %s: %w", k, err)
			}
			p[k] = string(s)
		}
	}
	return nil
}
