package risk

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Runs only against a real Redis: REDIS_ADDR=localhost:6379 go test ./internal/risk/
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	clock := newFakeClock()
	clock.now = time.Now()
	ctx := context.Background()

	store, err := NewRedisStore(ctx, RedisStoreConfig{Addr: addr, Prefix: "test:" + uuid.NewString() + ":", Clock: clock})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	svc := NewService(ServiceConfig{Store: store, Clock: clock, TTL: time.Minute})
	sess, err := svc.CreateSession(ctx, &SessionRequest{AgentDID: "0xAgent"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: sess.SID}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := svc.GetSession(ctx, sess.SID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TraceCount != 3 {
		t.Errorf("TraceCount = %d, want 3", got.TraceCount)
	}

	clock.Advance(time.Minute)
	if _, err := svc.GetSession(ctx, sess.SID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("GetSession() after ttl error = %v, want ErrUnknownSession", err)
	}
	if _, err := svc.CreateTrace(ctx, &TraceRequest{SID: "missing"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CreateTrace(missing) error = %v, want ErrUnknownSession", err)
	}
}
