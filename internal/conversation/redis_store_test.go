package conversation

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Runs only when CHAMA_TEST_REDIS_URL points at a disposable Redis.
func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("CHAMA_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHAMA_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "chama-test", time.Minute)
	ctx := context.Background()
	session, _, err := Start(uuid.New(), FlowLoanRepay, time.Now())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	session.Data[keyLoanID] = uuid.NewString()

	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}
	ttl, err := client.TTL(ctx, store.key(session.UserID)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected a ttl up to one minute, got %s (%v)", ttl, err)
	}
	loaded, err := store.Load(ctx, session.UserID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Flow != FlowLoanRepay || loaded.Data[keyLoanID] != session.Data[keyLoanID] {
		t.Fatalf("unexpected session %+v", loaded)
	}
	if err := store.Delete(ctx, session.UserID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, session.UserID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after delete, got %v", err)
	}
}
