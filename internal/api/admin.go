package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"productchat/internal/auth"
	"productchat/internal/storage"
)

type createUserRequest struct {
	Email         string   `json:"email"`
	AllowedModels []string `json:"allowed_models"`
	IsAdmin       bool     `json:"is_admin"`
}

type updateUserRequest struct {
	AllowedModels []string `json:"allowed_models"`
	IsAdmin       *bool    `json:"is_admin"`
	IsActive      *bool    `json:"is_active"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListAccessRecords(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list access records")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": records})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		h.writeError(w, http.StatusBadRequest, "bad_request", "a valid email is required")
		return
	}
	if err := auth.RequireDomain(auth.Identity{Email: email}, h.allowedDomain); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "email is outside the allowed domain")
		return
	}

	rec, err := h.store.CreateAccessRecord(r.Context(), email, req.AllowedModels, req.IsAdmin)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			h.writeError(w, http.StatusConflict, "already_exists", "a user with this email already exists")
			return
		}
		h.logger.Error().Err(err).Str("email", email).Msg("failed to create access record")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	h.policy.Invalidate(r.Context(), email)
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	recID := r.PathValue("id")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	// Fetch first so the cache entry for the record's email can be dropped.
	records, err := h.store.ListAccessRecords(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list access records")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to update user")
		return
	}
	var target *storage.AccessRecord
	for i := range records {
		if records[i].ID == recID {
			target = &records[i]
			break
		}
	}
	if target == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	// Omitted fields keep their stored value.
	models := target.AllowedModels
	if req.AllowedModels != nil {
		models = req.AllowedModels
	}
	isAdmin := target.IsAdmin
	if req.IsAdmin != nil {
		isAdmin = *req.IsAdmin
	}
	isActive := target.IsActive
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	if err := h.store.UpdateAccessRecord(r.Context(), recID, models, isAdmin, isActive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.logger.Error().Err(err).Str("id", recID).Msg("failed to update access record")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to update user")
		return
	}

	h.policy.Invalidate(r.Context(), target.Email)
	updated, err := h.store.GetAccessRecord(r.Context(), target.Email)
	if err != nil {
		h.logger.Error().Err(err).Str("email", target.Email).Msg("failed to re-read access record")
		h.writeJSON(w, http.StatusOK, map[string]any{"updated": recID})
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("start"), false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid start parameter")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("end"), true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid end parameter")
		return
	}

	stats, err := h.store.UsageStats(r.Context(), from, to)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to aggregate usage")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to aggregate usage")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates. A bare end date
// is pushed to the end of that day so ranges are inclusive.
func parseTimeParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
