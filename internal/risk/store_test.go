package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_SessionExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{Clock: clock})
	svc := NewService(ServiceConfig{Store: store, Clock: clock})
	ctx := context.Background()

	resp, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "0xAgent"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if want := "2025-06-01T12:15:00.000000Z"; resp.ExpiresAt != want {
		t.Errorf("ExpiresAt = %q, want %q", resp.ExpiresAt, want)
	}

	clock.Advance(899 * time.Second)
	if _, err := svc.GetSession(ctx, resp.SID); err != nil {
		t.Errorf("GetSession() at 899s error = %v, want live", err)
	}
	if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: resp.SID}); err != nil {
		t.Errorf("CreateTrace() at 899s error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := svc.GetSession(ctx, resp.SID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("GetSession() at 900s error = %v, want ErrUnknownSession", err)
	}
	if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: resp.SID}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CreateTrace() at 900s error = %v, want ErrUnknownSession", err)
	}
}

func TestMemoryStore_TraceCount(t *testing.T) {
	clock := newFakeClock()
	svc := NewService(ServiceConfig{Clock: clock})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "did:key:z6Mk"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: sess.SID}); err != nil {
				t.Errorf("CreateTrace() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.GetSession(ctx, sess.SID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TraceCount != 50 {
		t.Errorf("TraceCount = %d, want 50", got.TraceCount)
	}
}

func TestMemoryStore_TraceExpiry(t *testing.T) {
	clock := newFakeClock()
	svc := NewService(ServiceConfig{Clock: clock, TTL: time.Minute})
	ctx := context.Background()

	sess, _ := svc.CreateSession(ctx, &SessionRequest{AgentDID: "a"})
	tr, err := svc.CreateTrace(ctx, &TraceRequest{SID: sess.SID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetTrace(ctx, tr.TID); err != nil {
		t.Errorf("GetTrace() error = %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := svc.GetTrace(ctx, tr.TID); !errors.Is(err, ErrUnknownTrace) {
		t.Errorf("GetTrace() after ttl error = %v, want ErrUnknownTrace", err)
	}
	if _, err := svc.GetTrace(ctx, "missing"); !errors.Is(err, ErrUnknownTrace) {
		t.Errorf("GetTrace(missing) error = %v, want ErrUnknownTrace", err)
	}
}

func TestMemoryStore_Capacity(t *testing.T) {
	clock := newFakeClock()
	// 16 entries over 16 shards: one per shard.
	store := NewMemoryStore(MemoryStoreConfig{Clock: clock, MaxEntries: shardCount})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		s := &Session{
			SID:       fmt.Sprintf("sid-%d", i),
			ExpiresAt: clock.Now().Add(time.Duration(i+1) * time.Second),
		}
		if err := store.PutSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	sessions, _ := store.Len()
	if sessions > shardCount {
		t.Errorf("sessions = %d, want at most %d", sessions, shardCount)
	}
	// The newest session always survives its own insert.
	if _, err := store.GetSession(ctx, "sid-199"); err != nil {
		t.Errorf("GetSession(newest) error = %v", err)
	}
}

func TestMakeRoom(t *testing.T) {
	now := time.Unix(1000, 0)
	expiry := func(s *Session) time.Time { return s.ExpiresAt }

	t.Run("drops expired first", func(t *testing.T) {
		m := map[string]*Session{
			"old":   {ExpiresAt: now.Add(-time.Second)},
			"soon":  {ExpiresAt: now.Add(time.Second)},
			"later": {ExpiresAt: now.Add(time.Hour)},
		}
		makeRoom(m, now, expiry)
		if _, ok := m["old"]; ok {
			t.Error("expired entry kept")
		}
		if len(m) != 2 {
			t.Errorf("len = %d, want 2", len(m))
		}
	})

	t.Run("evicts earliest expiring", func(t *testing.T) {
		m := map[string]*Session{
			"soon":  {ExpiresAt: now.Add(time.Second)},
			"later": {ExpiresAt: now.Add(time.Hour)},
		}
		makeRoom(m, now, expiry)
		if _, ok := m["soon"]; ok {
			t.Error("earliest-expiring entry kept")
		}
		if _, ok := m["later"]; !ok {
			t.Error("later entry evicted")
		}
	})
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{Clock: clock, Eviction: SweepEviction{Interval: time.Hour}})
	svc := NewService(ServiceConfig{Store: store, Clock: clock, TTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess, _ := svc.CreateSession(ctx, &SessionRequest{AgentDID: "a"})
		if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: sess.SID}); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.Sweep(); n != 0 {
		t.Errorf("Sweep() before expiry = %d, want 0", n)
	}
	clock.Advance(time.Minute)
	if n := store.Sweep(); n != 10 {
		t.Errorf("Sweep() after expiry = %d, want 10", n)
	}
	if s, tr := store.Len(); s != 0 || tr != 0 {
		t.Errorf("Len() = %d, %d, want 0, 0", s, tr)
	}
}

func TestMemoryStore_StartStops(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{Clock: clock, Eviction: SweepEviction{Interval: 5 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	store.Start(ctx)

	_ = store.PutSession(ctx, &Session{SID: "s", ExpiresAt: clock.Now().Add(time.Second)})
	clock.Advance(2 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := store.Len(); s == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{Clock: newFakeClock()})
	ctx := context.Background()
	_ = store.PutSession(ctx, &Session{SID: "s", AgentDID: "a", ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})

	got, _ := store.GetSession(ctx, "s")
	got.AgentDID = "mutated"
	again, _ := store.GetSession(ctx, "s")
	if again.AgentDID != "a" {
		t.Errorf("AgentDID = %q, want a", again.AgentDID)
	}
}

func TestMemoryStore_CopiesAreDeep(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{Clock: newFakeClock()})
	ctx := context.Background()
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	device := map[string]any{"ua": "agent/1"}
	if err := store.PutSession(ctx, &Session{SID: "s", AgentDID: "a", Device: device, ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}
	device["ua"] = "changed after put"
	sess, _ := store.GetSession(ctx, "s")
	sess.Device["ua"] = "changed after get"
	if again, _ := store.GetSession(ctx, "s"); again.Device["ua"] != "agent/1" {
		t.Errorf("Device[ua] = %v, want agent/1", again.Device["ua"])
	}

	in := &Trace{
		TID:         "t",
		SID:         "s",
		Fingerprint: map[string]any{"ip": "203.0.113.9"},
		AgentTrace: &AgentTrace{
			Task:       "buy weather",
			Parameters: map[string]any{"limits": map[string]any{"max": "10"}},
			Events:     []Event{{"type": "user_input", "args": []any{"a"}}},
		},
		ExpiresAt: expires,
	}
	if err := store.PutTrace(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.AgentTrace.Task = "changed after put"

	got, err := store.GetTrace(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	got.Fingerprint["ip"] = "198.51.100.1"
	got.AgentTrace.Task = "changed after get"
	got.AgentTrace.Parameters["limits"].(map[string]any)["max"] = "1000"
	got.AgentTrace.Events[0]["type"] = "tool_call"
	got.AgentTrace.Events[0]["args"].([]any)[0] = "b"
	got.AgentTrace.Events = append(got.AgentTrace.Events, Event{"type": "tool_result"})

	again, _ := store.GetTrace(ctx, "t")
	switch {
	case again.Fingerprint["ip"] != "203.0.113.9":
		t.Errorf("Fingerprint[ip] = %v", again.Fingerprint["ip"])
	case again.AgentTrace.Task != "buy weather":
		t.Errorf("Task = %q", again.AgentTrace.Task)
	case again.AgentTrace.Parameters["limits"].(map[string]any)["max"] != "10":
		t.Errorf("Parameters = %v", again.AgentTrace.Parameters)
	case len(again.AgentTrace.Events) != 1 || again.AgentTrace.Events[0].Type() != "user_input":
		t.Errorf("Events = %v", again.AgentTrace.Events)
	case again.AgentTrace.Events[0]["args"].([]any)[0] != "a":
		t.Errorf("Events[0][args] = %v", again.AgentTrace.Events[0]["args"])
	}
}
