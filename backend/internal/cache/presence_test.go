package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testPresence(t *testing.T, p PresenceCache) {
	t.Helper()
	ctx := context.Background()

	if err := p.AddMember(ctx, "d1", "r1", "replica-1", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, "d1", "r2", "replica-2", time.Minute); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	members, err := p.GetAliveMembers(ctx, "d1")
	if err != nil {
		t.Fatalf("GetAliveMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %+v, want 2", members)
	}

	docs, err := p.GetDocuments(ctx)
	if err != nil {
		t.Fatalf("GetDocuments: %v", err)
	}
	found := false
	for _, d := range docs {
		if d == "d1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("GetDocuments = %v, missing d1", docs)
	}

	if err := p.SetCursor(ctx, "d1", "r1", 7, time.Minute); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if pos, err := p.GetCursor(ctx, "d1", "r1"); err != nil || pos != 7 {
		t.Fatalf("GetCursor = %d, %v", pos, err)
	}
	if _, err := p.GetCursor(ctx, "d1", "r2"); !errors.Is(err, ErrNoCursor) {
		t.Fatalf("GetCursor(r2) err = %v", err)
	}

	if err := p.RemoveMember(ctx, "d1", "r1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	members, _ = p.GetAliveMembers(ctx, "d1")
	if len(members) != 1 || members[0].ID != "r2" || members[0].Name != "replica-2" {
		t.Fatalf("members = %+v", members)
	}
}

func TestMemoryPresence(t *testing.T) {
	testPresence(t, NewMemoryPresence())
}

func TestMemoryPresence_Expiry(t *testing.T) {
	p := NewMemoryPresence().(*memoryPresence)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	p.AddMember(ctx, "d", "a", "", 10*time.Second)
	now = now.Add(11 * time.Second)
	if members, _ := p.GetAliveMembers(ctx, "d"); len(members) != 0 {
		t.Fatalf("expired member still alive: %+v", members)
	}
}

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.FlushAll(context.Background())

	testPresence(t, NewRedisPresence(rdb))
}
