package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"productchat/internal/storage"
)

// Records is the slice of the store the policy needs.
type Records interface {
	GetAccessRecord(ctx context.Context, email string) (storage.AccessRecord, error)
}

type Config struct {
	Records         Records
	Redis           *redis.Client
	Enabled         bool
	SuperAdminEmail string
	CheckTimeout    time.Duration
	CacheTTL        time.Duration
	Logger          zerolog.Logger
}

// Policy answers access questions for authenticated emails. Lookups are
// bounded by CheckTimeout; on timeout general access fails open and admin
// access fails closed, and the outcome is not cached so the next interaction
// re-checks.
type Policy struct {
	records      Records
	redis        *redis.Client
	enabled      bool
	superAdmin   string
	checkTimeout time.Duration
	cacheTTL     time.Duration
	logger       zerolog.Logger
}

func NewPolicy(cfg Config) *Policy {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Policy{
		records:      cfg.Records,
		redis:        cfg.Redis,
		enabled:      cfg.Enabled,
		superAdmin:   strings.ToLower(cfg.SuperAdminEmail),
		checkTimeout: cfg.CheckTimeout,
		cacheTTL:     cfg.CacheTTL,
		logger:       cfg.Logger,
	}
}

// HasAccess reports whether an active access record exists for the email.
// The configured super-admin bypasses the lookup entirely.
func (p *Policy) HasAccess(ctx context.Context, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	if !p.enabled {
		return true
	}
	if p.isSuperAdmin(email) {
		return true
	}

	if cached, ok := p.cachedBool(ctx, cacheKey("access", email)); ok {
		return cached
	}

	rec, err := p.lookup(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.cacheBool(ctx, cacheKey("access", email), false)
			return false
		}
		// Fail open: availability over strictness for general access.
		p.logger.Error().Err(err).Str("email", email).Msg("access check failed, granting temporary access")
		return true
	}

	p.cacheBool(ctx, cacheKey("access", email), rec.IsActive)
	return rec.IsActive
}

// CanUseModel reports whether the email may explicitly select the model.
// The "auto" sentinel is always permitted once general access holds.
func (p *Policy) CanUseModel(ctx context.Context, email, model string) bool {
	if !p.HasAccess(ctx, email) {
		return false
	}
	if !p.enabled || model == storage.ModelAuto {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if p.isSuperAdmin(email) {
		return true
	}

	rec, err := p.lookup(ctx, email)
	if err != nil {
		return false
	}
	for _, m := range rec.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// IsAdmin fails closed: no record, a lookup error or a timeout all deny.
func (p *Policy) IsAdmin(ctx context.Context, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	if p.isSuperAdmin(email) {
		return true
	}

	if cached, ok := p.cachedBool(ctx, cacheKey("admin", email)); ok {
		return cached
	}

	rec, err := p.lookup(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.cacheBool(ctx, cacheKey("admin", email), false)
		} else {
			p.logger.Error().Err(err).Str("email", email).Msg("admin check failed, denying")
		}
		return false
	}

	p.cacheBool(ctx, cacheKey("admin", email), rec.IsAdmin)
	return rec.IsAdmin
}

// Invalidate drops cached verdicts for an email, e.g. after an admin edits
// its record.
func (p *Policy) Invalidate(ctx context.Context, email string) {
	if p.redis == nil {
		return
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := p.redis.Del(ctx, cacheKey("access", email), cacheKey("admin", email)).Err(); err != nil {
		p.logger.Error().Err(err).Str("email", email).Msg("failed to invalidate access cache")
	}
}

func (p *Policy) isSuperAdmin(email string) bool {
	return p.superAdmin != "" && email == p.superAdmin
}

func (p *Policy) lookup(ctx context.Context, email string) (storage.AccessRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.checkTimeout)
	defer cancel()
	return p.records.GetAccessRecord(ctx, email)
}

func (p *Policy) cachedBool(ctx context.Context, key string) (value, found bool) {
	if p.redis == nil {
		return false, false
	}
	v, err := p.redis.Get(ctx, key).Result()
	if err != nil {
		return false, false
	}
	return v == "1", true
}

func (p *Policy) cacheBool(ctx context.Context, key string, value bool) {
	if p.redis == nil {
		return
	}
	v := "0"
	if value {
		v = "1"
	}
	if err := p.redis.Set(ctx, key, v, p.cacheTTL).Err(); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("failed to cache access verdict")
	}
}

func cacheKey(kind, email string) string {
	return "productchat:" + kind + ":" + email
}
