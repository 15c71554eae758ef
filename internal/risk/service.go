package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sessions is the session/trace API served on /risk. Service implements it
// locally and RemoteEvaluator forwards it to the risk engine.
type Sessions interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error)
	CreateTrace(ctx context.Context, req *TraceRequest) (*TraceResponse, error)
	GetSession(ctx context.Context, sid string) (*Session, error)
	GetTrace(ctx context.Context, tid string) (*Trace, error)
}

// DefaultSessionTTL is how long sessions and traces live.
const DefaultSessionTTL = 900 * time.Second

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store  Store
	Clock  Clock
	TTL    time.Duration
	Schema *TraceValidator // nil skips schema validation
	Logger *slog.Logger
}

// Service creates and looks up sessions and traces in a Store.
type Service struct {
	store  Store
	clock  Clock
	ttl    time.Duration
	schema *TraceValidator
	logger *slog.Logger
}

var _ Sessions = (*Service)(nil)

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(MemoryStoreConfig{Clock: cfg.Clock})
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{store: cfg.Store, clock: cfg.Clock, ttl: cfg.TTL, schema: cfg.Schema, logger: cfg.Logger}
}

// FormatExpiry renders t as ISO-8601 UTC with a "Z" suffix.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

func (s *Service) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	if strings.TrimSpace(req.AgentDID) == "" {
		return nil, fmt.Errorf("%w: agent_did is required", ErrInvalidInput)
	}
	now := s.clock.Now()
	sess := &Session{
		SID:       uuid.NewString(),
		AgentDID:  req.AgentDID,
		AppID:     req.AppID,
		Device:    req.Device,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("risk session created",
		slog.String("sid", sess.SID),
		slog.String("agent_did", sess.AgentDID),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return &SessionResponse{SID: sess.SID, ExpiresAt: FormatExpiry(sess.ExpiresAt)}, nil
}

func (s *Service) CreateTrace(ctx context.Context, req *TraceRequest) (*TraceResponse, error) {
	if req.SID == "" {
		return nil, fmt.Errorf("%w: sid is required", ErrInvalidInput)
	}
	if s.schema != nil {
		if err := s.schema.Validate(req); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	t := &Trace{
		TID:         uuid.NewString(),
		SID:         req.SID,
		Fingerprint: req.Fingerprint,
		Telemetry:   req.Telemetry,
		AgentTrace:  req.AgentTrace,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.PutTrace(ctx, t); err != nil {
		return nil, err
	}

	attrs := []any{slog.String("tid", t.TID), slog.String("sid", t.SID)}
	if t.AgentTrace != nil {
		attrs = append(attrs,
			slog.Int("events", len(t.AgentTrace.Events)),
			slog.Any("event_summary", t.AgentTrace.EventSummary()),
		)
	}
	s.logger.Info("risk trace created", attrs...)
	return &TraceResponse{TID: t.TID}, nil
}

func (s *Service) GetSession(ctx context.Context, sid string) (*Session, error) {
	return s.store.GetSession(ctx, sid)
}

func (s *Service) GetTrace(ctx context.Context, tid string) (*Trace, error) {
	return s.store.GetTrace(ctx, tid)
}
