package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"productchat/internal/access"
	"productchat/internal/auth"
	"productchat/internal/chat"
	"productchat/internal/queue"
	"productchat/internal/storage"
)

const sessionHeader = "X-Session-Token"

// Handler wires the chat and admin surfaces onto net/http.
type Handler struct {
	controller    *chat.Controller
	store         *storage.Store
	policy        *access.Policy
	verifier      auth.Verifier
	allowedDomain string
	limiter       *queue.RateLimiter
	dedup         *queue.RequestDeduplicator
	logger        zerolog.Logger
}

type Config struct {
	Controller    *chat.Controller
	Store         *storage.Store
	Policy        *access.Policy
	Verifier      auth.Verifier
	AllowedDomain string
	Limiter       *queue.RateLimiter
	Dedup         *queue.RequestDeduplicator
	Logger        zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		controller:    cfg.Controller,
		store:         cfg.Store,
		policy:        cfg.Policy,
		verifier:      cfg.Verifier,
		allowedDomain: cfg.AllowedDomain,
		limiter:       cfg.Limiter,
		dedup:         cfg.Dedup,
		logger:        cfg.Logger,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/send", h.requireAuth(h.requireAccess(h.rateLimit(h.dedupe(h.handleSend)))))
	mux.HandleFunc("POST /api/chat/new", h.requireAuth(h.requireAccess(h.handleNewConversation)))
	mux.HandleFunc("GET /api/conversations", h.requireAuth(h.requireAccess(h.handleListConversations)))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.requireAuth(h.requireAccess(h.handleLoadConversation)))
	mux.HandleFunc("DELETE /api/conversations/{id}", h.requireAuth(h.requireAccess(h.handleDeleteConversation)))

	mux.HandleFunc("GET /api/admin/users", h.requireAuth(h.requireAdmin(h.handleListUsers)))
	mux.HandleFunc("POST /api/admin/users", h.requireAuth(h.requireAdmin(h.handleCreateUser)))
	mux.HandleFunc("PUT /api/admin/users/{id}", h.requireAuth(h.requireAdmin(h.handleUpdateUser)))
	mux.HandleFunc("GET /api/admin/usage", h.requireAuth(h.requireAdmin(h.handleUsageStats)))
}

type sendRequest struct {
	Question        string `json:"question"`
	ModelPreference string `json:"model_preference,omitempty"`
}

type chatResponse struct {
	SessionToken   string            `json:"session_token"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Messages       []storage.Message `json:"messages"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, err := mustIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if pref := strings.TrimSpace(req.ModelPreference); pref != "" {
		if !h.policy.CanUseModel(r.Context(), id.Email, pref) {
			h.writeError(w, http.StatusForbidden, "model_not_allowed", "you are not allowed to use this model")
			return
		}
	}

	sess := h.session(r, id)
	messages, err := h.controller.SendMessage(r.Context(), sess, req.Question, req.ModelPreference)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyQuestion) {
			h.writeError(w, http.StatusBadRequest, "empty_question", "question must not be empty")
			return
		}
		h.logger.Error().Err(err).Str("session", sess.Token).Msg("send failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to process message")
		return
	}

	h.writeChatState(w, sess, messages)
}

func (h *Handler) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	id, err := mustIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	sess := h.session(r, id)
	h.controller.StartNewConversation(sess)
	h.writeChatState(w, sess, sess.Snapshot())
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id, err := mustIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	conversations, err := h.controller.ListConversations(r.Context(), id.UID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", id.UID).Msg("failed to list conversations")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h *Handler) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	id, err := mustIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	convID := r.PathValue("id")
	if !h.ownsConversation(w, r, id, convID) {
		return
	}

	sess := h.session(r, id)
	messages, err := h.controller.LoadConversation(r.Context(), sess, convID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to load conversation")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation")
		return
	}
	h.writeChatState(w, sess, messages)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := mustIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	convID := r.PathValue("id")
	if !h.ownsConversation(w, r, id, convID) {
		return
	}

	sess := h.session(r, id)
	if err := h.controller.DeleteConversation(r.Context(), sess, convID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to delete conversation")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete conversation")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": convID})
}

// ownsConversation rejects cross-user access. A foreign conversation reads
// as not found so ids are not probeable.
func (h *Handler) ownsConversation(w http.ResponseWriter, r *http.Request, id auth.Identity, convID string) bool {
	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return false
		}
		h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to fetch conversation")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch conversation")
		return false
	}
	if conv.UserID != id.UID {
		h.writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return false
	}
	return true
}

// session resolves the caller's session from the session header, creating a
// fresh one when absent. First contact also sweeps the owner's leftover
// empty conversations, before anything new is created.
func (h *Handler) session(r *http.Request, id auth.Identity) *chat.Session {
	token := strings.TrimSpace(r.Header.Get(sessionHeader))
	sess := h.controller.Session(token, id)
	if sess.Token != token {
		h.controller.CleanupEmptyConversations(r.Context(), id.UID)
	}
	return sess
}

func (h *Handler) writeChatState(w http.ResponseWriter, sess *chat.Session, messages []storage.Message) {
	if messages == nil {
		messages = []storage.Message{}
	}
	h.writeJSON(w, http.StatusOK, chatResponse{
		SessionToken:   sess.Token,
		ConversationID: sess.ConversationID(),
		Messages:       messages,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
