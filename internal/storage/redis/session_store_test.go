package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pawmise/internal/session"
)

func TestKeyAndChannelNaming(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	store := NewSessionStore(client, "", 0)
	if got := store.key("0xabc"); got != "pawmise:session:0xabc" {
		t.Fatalf("unexpected key %q", got)
	}
	if store.idleTimeout != session.DefaultIdleTimeout {
		t.Fatalf("unexpected idle timeout %s", store.idleTimeout)
	}
	inv := NewToolkitInvalidator(client, "staging")
	if inv.Channel() != "staging:toolkit:invalidate" {
		t.Fatalf("unexpected channel %q", inv.Channel())
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func newMiniredisStore(t *testing.T, idle time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionStore(client, "pawmise-test", idle), srv
}

func TestSessionStoreHistoryOpensSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newMiniredisStore(t, time.Minute)

	if store.Clear(ctx, "0xabc") {
		t.Fatal("clearing an unknown session should report false")
	}
	history, err := store.History(ctx, "0xabc")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
	if !store.Clear(ctx, "0xabc") {
		t.Fatal("a session opened by History should be cleared like the in-memory store")
	}
	if store.Clear(ctx, "0xabc") {
		t.Fatal("second clear should report false")
	}
}

func TestSessionStoreExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	store, srv := newMiniredisStore(t, time.Minute)

	if err := store.Append(ctx, "0xabc", session.Message{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ttl := srv.TTL(store.markerKey("0xabc")); ttl != time.Minute {
		t.Fatalf("marker should share the idle timeout, got %s", ttl)
	}
	srv.FastForward(2 * time.Minute)

	history, err := store.History(ctx, "0xabc")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("idle session should have expired, got %+v", history)
	}
}

// 需要真实 Redis：设置 PAWMISE_TEST_REDIS_ADDR 后运行。
func TestSessionStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("PAWMISE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAWMISE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, Config{Address: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	store := NewSessionStore(client, "pawmise-test-"+uuid.NewString(), time.Minute)
	id := "0xabc"
	if err := store.Append(ctx, id, session.Message{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, id, session.Message{Role: session.RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	history, err := store.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Content != "hello" {
		t.Fatalf("unexpected history %+v", history)
	}
	ttl := client.TTL(ctx, store.key(id)).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if !store.Clear(ctx, id) {
		t.Fatal("expected clear to report an existing session")
	}
	if store.Clear(ctx, id) {
		t.Fatal("second clear should report false")
	}
}
