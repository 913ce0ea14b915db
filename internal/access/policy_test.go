package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"productchat/internal/storage"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]storage.AccessRecord
	err     error
	calls   int
}

func (f *fakeRecords) GetAccessRecord(_ context.Context, email string) (storage.AccessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return storage.AccessRecord{}, f.err
	}
	rec, ok := f.records[email]
	if !ok {
		return storage.AccessRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPolicy(t *testing.T, records *fakeRecords, withRedis bool) *Policy {
	t.Helper()
	var rdb *redis.Client
	if withRedis {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("start miniredis: %v", err)
		}
		t.Cleanup(mr.Close)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}
	return NewPolicy(Config{
		Records:         records,
		Redis:           rdb,
		Enabled:         true,
		SuperAdminEmail: "root@example.com",
		CheckTimeout:    time.Second,
		CacheTTL:        time.Minute,
		Logger:          zerolog.Nop(),
	})
}

func TestHasAccessActiveRecord(t *testing.T) {
	records := &fakeRecords{records: map[string]storage.AccessRecord{
		"alice@example.com": {Email: "alice@example.com", IsActive: true},
		"bob@example.com":   {Email: "bob@example.com", IsActive: false},
	}}
	p := newTestPolicy(t, records, false)
	ctx := context.Background()

	if !p.HasAccess(ctx, "Alice@Example.com") {
		t.Fatalf("active record should grant access")
	}
	if p.HasAccess(ctx, "bob@example.com") {
		t.Fatalf("inactive record should deny access")
	}
	if p.HasAccess(ctx, "nobody@example.com") {
		t.Fatalf("missing record should deny access")
	}
	if p.HasAccess(ctx, "") {
		t.Fatalf("empty email should deny access")
	}
}

func TestHasAccessFailsOpenUncached(t *testing.T) {
	records := &fakeRecords{err: errors.New("store down")}
	p := newTestPolicy(t, records, true)
	ctx := context.Background()

	if !p.HasAccess(ctx, "alice@example.com") {
		t.Fatalf("store trouble should fail open for general access")
	}
	// The fail-open verdict must not stick: the next check asks the store
	// again instead of reading a cached grant.
	if !p.HasAccess(ctx, "alice@example.com") {
		t.Fatalf("second check should also fail open")
	}
	if records.callCount() != 2 {
		t.Fatalf("expected 2 store lookups, got %d", records.callCount())
	}
}

func TestHasAccessCachesVerdicts(t *testing.T) {
	records := &fakeRecords{records: map[string]storage.AccessRecord{
		"alice@example.com": {Email: "alice@example.com", IsActive: true},
	}}
	p := newTestPolicy(t, records, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !p.HasAccess(ctx, "alice@example.com") {
			t.Fatalf("check %d should grant", i)
		}
	}
	if records.callCount() != 1 {
		t.Fatalf("expected 1 store lookup with a warm cache, got %d", records.callCount())
	}
}

func TestIsAdminFailsClosed(t *testing.T) {
	records := &fakeRecords{err: errors.New("store down")}
	p := newTestPolicy(t, records, false)

	if p.IsAdmin(context.Background(), "alice@example.com") {
		t.Fatalf("store trouble must deny admin access")
	}
}

func TestSuperAdminBypass(t *testing.T) {
	records := &fakeRecords{err: errors.New("store down")}
	p := newTestPolicy(t, records, false)
	ctx := context.Background()

	if !p.HasAccess(ctx, "ROOT@example.com") {
		t.Fatalf("super admin must always have access")
	}
	if !p.IsAdmin(ctx, "root@example.com") {
		t.Fatalf("super admin must always be admin")
	}
	if !p.CanUseModel(ctx, "root@example.com", "any-model") {
		t.Fatalf("super admin may use any model")
	}
	if records.callCount() != 0 {
		t.Fatalf("super admin checks must not hit the store, got %d lookups", records.callCount())
	}
}

func TestCanUseModel(t *testing.T) {
	records := &fakeRecords{records: map[string]storage.AccessRecord{
		"alice@example.com": {Email: "alice@example.com", IsActive: true, AllowedModels: []string{"gpt-4"}},
	}}
	p := newTestPolicy(t, records, false)
	ctx := context.Background()

	if !p.CanUseModel(ctx, "alice@example.com", storage.ModelAuto) {
		t.Fatalf("auto must always be allowed for active accounts")
	}
	if !p.CanUseModel(ctx, "alice@example.com", "gpt-4") {
		t.Fatalf("listed model should be allowed")
	}
	if p.CanUseModel(ctx, "alice@example.com", "claude") {
		t.Fatalf("unlisted model should be denied")
	}
	if p.CanUseModel(ctx, "nobody@example.com", storage.ModelAuto) {
		t.Fatalf("no general access means no model access")
	}
}

func TestDisabledPolicyAllowsEveryone(t *testing.T) {
	records := &fakeRecords{}
	p := NewPolicy(Config{Records: records, Enabled: false, Logger: zerolog.Nop()})
	ctx := context.Background()

	if !p.HasAccess(ctx, "anyone@anywhere.com") {
		t.Fatalf("disabled policy should grant access")
	}
	if !p.CanUseModel(ctx, "anyone@anywhere.com", "any-model") {
		t.Fatalf("disabled policy should allow any model")
	}
	if p.IsAdmin(ctx, "anyone@anywhere.com") {
		t.Fatalf("disabled policy must still gate admin")
	}
	if records.callCount() != 1 {
		t.Fatalf("only the admin check should reach the store, got %d", records.callCount())
	}
}

func TestInvalidateDropsCachedVerdict(t *testing.T) {
	records := &fakeRecords{records: map[string]storage.AccessRecord{
		"alice@example.com": {Email: "alice@example.com", IsActive: true},
	}}
	p := newTestPolicy(t, records, true)
	ctx := context.Background()

	if !p.HasAccess(ctx, "alice@example.com") {
		t.Fatalf("initial check should grant")
	}

	records.mu.Lock()
	records.records["alice@example.com"] = storage.AccessRecord{Email: "alice@example.com", IsActive: false}
	records.mu.Unlock()

	// Cached verdict still wins until invalidation.
	if !p.HasAccess(ctx, "alice@example.com") {
		t.Fatalf("cached grant expected")
	}

	p.Invalidate(ctx, "alice@example.com")
	if p.HasAccess(ctx, "alice@example.com") {
		t.Fatalf("deactivation should apply after invalidation")
	}
}
