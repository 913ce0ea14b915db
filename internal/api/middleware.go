package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"productchat/internal/auth"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the authenticated identity stored by the auth
// middleware.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAuth verifies the bearer token and the account domain, then stores
// the identity on the request context.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		id, err := h.verifier.Verify(ctx, token)
		cancel()
		if err != nil {
			h.logger.Debug().Err(err).Msg("token verification failed")
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if err := auth.RequireDomain(id, h.allowedDomain); err != nil {
			h.writeError(w, http.StatusForbidden, "wrong_domain", "account domain is not allowed")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

// requireAccess gates the chat surface on the access policy.
func (h *Handler) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
			return
		}
		if !h.policy.HasAccess(r.Context(), id.Email) {
			h.writeError(w, http.StatusForbidden, "access_denied", "You do not have access to this application. Please contact an administrator.")
			return
		}
		next(w, r)
	}
}

// requireAdmin gates the admin surface. Unlike requireAccess this fails
// closed on any policy trouble.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
			return
		}
		if !h.policy.IsAdmin(r.Context(), id.Email) {
			h.writeError(w, http.StatusForbidden, "admin_only", "administrator privileges required")
			return
		}
		next(w, r)
	}
}

// rateLimit enforces the per-user hourly turn limit. Limiter outages fail
// open so redis trouble never halts chat.
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next(w, r)
			return
		}
		id, _ := IdentityFrom(r.Context())
		allowed, _, resetAt, err := h.limiter.Allow(r.Context(), id.Email, time.Now())
		if err != nil {
			h.logger.Error().Err(err).Str("email", id.Email).Msg("rate limiter unavailable, allowing")
			next(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "hourly message limit reached, try again later")
			return
		}
		next(w, r)
	}
}

// dedupe rejects replays of the same X-Request-Id within the dedup window.
func (h *Handler) dedupe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if h.dedup == nil || reqID == "" {
			next(w, r)
			return
		}
		first, err := h.dedup.MarkFirst(r.Context(), reqID)
		if err != nil {
			h.logger.Error().Err(err).Msg("request dedupe unavailable, allowing")
			next(w, r)
			return
		}
		if !first {
			h.writeError(w, http.StatusConflict, "duplicate_request", "this request was already processed")
			return
		}
		next(w, r)
	}
}

var errNoIdentity = errors.New("no identity on request")

func mustIdentity(r *http.Request) (auth.Identity, error) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return auth.Identity{}, errNoIdentity
	}
	return id, nil
}
