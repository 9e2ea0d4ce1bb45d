package metacache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/tasksync/internal/redisstore"
)

type groupInfo struct {
	DisplayName string `json:"display_name"`
}

func TestGetLoadsOnMissAndCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	defer store.Close()

	calls := 0
	cache := New(store, "group", func(ctx context.Context, id string) (groupInfo, error) {
		calls++
		return groupInfo{DisplayName: "Engineering"}, nil
	})

	ctx := context.Background()
	first, err := cache.Get(ctx, "g1")
	if err != nil || first.DisplayName != "Engineering" {
		t.Fatalf("first Get = %+v, %v", first, err)
	}
	if _, err := cache.Get(ctx, "g1"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1 (second Get should hit cache)", calls)
	}

	if err := cache.Invalidate(ctx, "g1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := cache.Get(ctx, "g1"); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("loader called %d times after invalidate, want 2", calls)
	}
}
