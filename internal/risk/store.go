package risk

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Store holds sessions and traces. Expired records behave as missing.
type Store interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sid string) (*Session, error)
	// PutTrace stores t and bumps the owning session's trace count. It fails with
	// ErrUnknownSession when the session is missing or expired.
	PutTrace(ctx context.Context, t *Trace) error
	GetTrace(ctx context.Context, tid string) (*Trace, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// EvictionPolicy decides when expired records are reclaimed.
type EvictionPolicy interface {
	sweepInterval() time.Duration
}

// LazyEviction reclaims expired records on access and under capacity pressure only.
type LazyEviction struct{}

func (LazyEviction) sweepInterval() time.Duration { return 0 }

// SweepEviction additionally reclaims expired records every Interval once Start runs.
type SweepEviction struct {
	Interval time.Duration
}

func (p SweepEviction) sweepInterval() time.Duration { return p.Interval }

// =============================================================================
// MEMORY STORE
// =============================================================================
//
// Records live in shardCount shards keyed by an FNV hash of the id. Each shard has
// its own RWMutex; no lock is held across I/O and no operation takes two shard
// locks at once. A full shard first drops expired entries, then the entry that
// expires soonest.
//
// =============================================================================

const shardCount = 16

// DefaultMaxEntries bounds each of the session and trace maps.
const DefaultMaxEntries = 10000

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	traces   map[string]*Trace
}

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	Clock      Clock
	Eviction   EvictionPolicy
	MaxEntries int // per map; 0 uses DefaultMaxEntries
	Logger     *slog.Logger
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	shards   [shardCount]*shard
	clock    Clock
	eviction EvictionPolicy
	perShard int
	logger   *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Eviction == nil {
		cfg.Eviction = LazyEviction{}
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &MemoryStore{
		clock:    cfg.Clock,
		eviction: cfg.Eviction,
		perShard: (cfg.MaxEntries + shardCount - 1) / shardCount,
		logger:   cfg.Logger,
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			sessions: make(map[string]*Session),
			traces:   make(map[string]*Trace),
		}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

// Start runs the background sweeper for SweepEviction until ctx is cancelled.
// It is a no-op for LazyEviction.
func (m *MemoryStore) Start(ctx context.Context) {
	interval := m.eviction.sweepInterval()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("risk store swept", slog.Int("removed", n))
				}
			}
		}
	}()
}

// Sweep removes every expired record and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.clock.Now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if !now.Before(s.ExpiresAt) {
				delete(sh.sessions, id)
				removed++
			}
		}
		for id, t := range sh.traces {
			if !now.Before(t.ExpiresAt) {
				delete(sh.traces, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored sessions and traces, expired ones included.
func (m *MemoryStore) Len() (sessions, traces int) {
	for _, sh := range m.shards {
		sh.mu.RLock()
		sessions += len(sh.sessions)
		traces += len(sh.traces)
		sh.mu.RUnlock()
	}
	return sessions, traces
}

func (m *MemoryStore) PutSession(ctx context.Context, s *Session) error {
	cp := s.clone()
	sh := m.shardFor(s.SID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[s.SID]; !exists && len(sh.sessions) >= m.perShard {
		makeRoom(sh.sessions, m.clock.Now(), func(s *Session) time.Time { return s.ExpiresAt })
	}
	sh.sessions[s.SID] = cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sid string) (*Session, error) {
	now := m.clock.Now()
	sh := m.shardFor(sid)
	sh.mu.RLock()
	s, ok := sh.sessions[sid]
	var cp *Session
	if ok {
		cp = s.clone()
	}
	sh.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownSession
	}
	if !now.Before(cp.ExpiresAt) {
		m.expireSession(sid, cp.ExpiresAt)
		return nil, ErrUnknownSession
	}
	return cp, nil
}

// expireSession deletes sid if it still holds the expired record.
func (m *MemoryStore) expireSession(sid string, expiresAt time.Time) {
	sh := m.shardFor(sid)
	sh.mu.Lock()
	if s, ok := sh.sessions[sid]; ok && s.ExpiresAt.Equal(expiresAt) {
		delete(sh.sessions, sid)
	}
	sh.mu.Unlock()
}

func (m *MemoryStore) PutTrace(ctx context.Context, t *Trace) error {
	now := m.clock.Now()

	ssh := m.shardFor(t.SID)
	ssh.mu.Lock()
	s, ok := ssh.sessions[t.SID]
	if !ok || !now.Before(s.ExpiresAt) {
		if ok {
			delete(ssh.sessions, t.SID)
		}
		ssh.mu.Unlock()
		return ErrUnknownSession
	}
	s.TraceCount++
	ssh.mu.Unlock()

	cp := t.clone()
	tsh := m.shardFor(t.TID)
	tsh.mu.Lock()
	defer tsh.mu.Unlock()
	if _, exists := tsh.traces[t.TID]; !exists && len(tsh.traces) >= m.perShard {
		makeRoom(tsh.traces, now, func(t *Trace) time.Time { return t.ExpiresAt })
	}
	tsh.traces[t.TID] = cp
	return nil
}

func (m *MemoryStore) GetTrace(ctx context.Context, tid string) (*Trace, error) {
	now := m.clock.Now()
	sh := m.shardFor(tid)
	sh.mu.RLock()
	t, ok := sh.traces[tid]
	sh.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownTrace
	}
	if !now.Before(t.ExpiresAt) {
		sh.mu.Lock()
		if cur, ok := sh.traces[tid]; ok && cur == t {
			delete(sh.traces, tid)
		}
		sh.mu.Unlock()
		return nil, ErrUnknownTrace
	}
	// Traces are immutable once stored; callers get their own copy.
	return t.clone(), nil
}

// makeRoom frees one slot in a full shard map. Caller holds the shard lock.
func makeRoom[T any](entries map[string]*T, now time.Time, expiry func(*T) time.Time) {
	var (
		victim   string
		earliest time.Time
		dropped  bool
	)
	for id, e := range entries {
		exp := expiry(e)
		if !now.Before(exp) {
			delete(entries, id)
			dropped = true
			continue
		}
		if victim == "" || exp.Before(earliest) {
			victim, earliest = id, exp
		}
	}
	if !dropped && victim != "" {
		delete(entries, victim)
	}
}
