package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSettingsCacheExpiresByClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	loads := 0
	loader := func(ctx context.Context, businessId string) (map[string]string, error) {
		loads++
		return map[string]string{"tz": "UTC", "load": time.Now().String()}, nil
	}
	cache := NewSettingsCache(loader, 5*time.Minute, clock)

	ctx := context.Background()
	if _, err := cache.Get(ctx, "b1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get(ctx, "b1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loads != 1 {
		t.Fatalf("loads within ttl = %d, want 1", loads)
	}

	now = now.Add(6 * time.Minute)
	if _, err := cache.Get(ctx, "b1"); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if loads != 2 {
		t.Fatalf("loads after expiry = %d, want 2", loads)
	}
}

func TestSettingsCacheServesStaleOnLoaderError(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	fail := false
	loader := func(ctx context.Context, businessId string) (map[string]string, error) {
		if fail {
			return nil, errors.New("db down")
		}
		return map[string]string{"tz": "Europe/Riga"}, nil
	}
	cache := NewSettingsCache(loader, time.Minute, clock)

	ctx := context.Background()
	if _, err := cache.Get(ctx, "b1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	fail = true
	now = now.Add(2 * time.Minute)
	values, err := cache.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get with failing loader: %v", err)
	}
	if values["tz"] != "Europe/Riga" {
		t.Fatalf("stale values = %v", values)
	}

	// A tenant with no cached entry surfaces the loader error.
	if _, err := cache.Get(ctx, "b2"); err == nil {
		t.Fatalf("expected loader error for cold tenant")
	}
}

func TestSettingsCacheInvalidate(t *testing.T) {
	loads := 0
	loader := func(ctx context.Context, businessId string) (map[string]string, error) {
		loads++
		return map[string]string{}, nil
	}
	cache := NewSettingsCache(loader, time.Hour, nil)

	ctx := context.Background()
	_, _ = cache.Get(ctx, "b1")
	_, _ = cache.Get(ctx, "b2")

	cache.Invalidate("b1")
	_, _ = cache.Get(ctx, "b1")
	_, _ = cache.Get(ctx, "b2")
	if loads != 3 {
		t.Fatalf("loads after single invalidate = %d, want 3", loads)
	}

	cache.Invalidate("")
	_, _ = cache.Get(ctx, "b1")
	_, _ = cache.Get(ctx, "b2")
	if loads != 5 {
		t.Fatalf("loads after full invalidate = %d, want 5", loads)
	}
}
