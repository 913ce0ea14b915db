package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"productchat/internal/access"
	"productchat/internal/auth"
	"productchat/internal/chat"
	"productchat/internal/inference"
	"productchat/internal/storage"
)

type fakeAsker struct {
	mu   sync.Mutex
	resp inference.AskResponse
	err  error
}

func (f *fakeAsker) Ask(_ context.Context, _ inference.AskRequest) (inference.AskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return inference.AskResponse{}, f.err
	}
	return f.resp, nil
}

type testEnv struct {
	store  *storage.Store
	asker  *fakeAsker
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	asker := &fakeAsker{resp: inference.AskResponse{Answer: "an answer", Sources: []string{}}}

	policy := access.NewPolicy(access.Config{
		Records:         store,
		Enabled:         true,
		SuperAdminEmail: "admin@pulsepoint.com",
		Logger:          zerolog.Nop(),
	})
	verifier := auth.NewStaticVerifier(map[string]string{
		"admin-token":   "admin@pulsepoint.com",
		"alice-token":   "alice@pulsepoint.com",
		"bob-token":     "bob@pulsepoint.com",
		"outside-token": "eve@evil.com",
	})
	controller := chat.NewController(chat.Config{
		Store:            store,
		Asker:            asker,
		Logger:           zerolog.Nop(),
		CreateTimeout:    time.Second,
		InferenceTimeout: time.Second,
	})

	handler := NewHandler(Config{
		Controller:    controller,
		Store:         store,
		Policy:        policy,
		Verifier:      verifier,
		AllowedDomain: "pulsepoint.com",
		Logger:        zerolog.Nop(),
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: store, asker: asker, server: srv}
}

func (e *testEnv) grantAccess(t *testing.T, email string, isAdmin bool) {
	t.Helper()
	if _, err := e.store.CreateAccessRecord(context.Background(), email, nil, isAdmin); err != nil {
		t.Fatalf("grant access for %s: %v", email, err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, sessionToken string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionToken != "" {
		req.Header.Set(sessionHeader, sessionToken)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSendRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "", "", sendRequest{Question: "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/chat/send", "garbage", "", sendRequest{Question: "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}
}

func TestSendRejectsForeignDomain(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "outside-token", "", sendRequest{Question: "hi"})
	body := decodeJSON[errorResponse](t, resp)
	if resp.StatusCode != http.StatusForbidden || body.Error != "wrong_domain" {
		t.Fatalf("expected 403 wrong_domain, got %d %q", resp.StatusCode, body.Error)
	}
}

func TestSendDeniedWithoutAccessRecord(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "hi"})
	body := decodeJSON[errorResponse](t, resp)
	if resp.StatusCode != http.StatusForbidden || body.Error != "access_denied" {
		t.Fatalf("expected 403 access_denied, got %d %q", resp.StatusCode, body.Error)
	}
}

func TestSendFlow(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "What is churn?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	first := decodeJSON[chatResponse](t, resp)
	if first.SessionToken == "" || first.ConversationID == "" {
		t.Fatalf("session and conversation ids expected: %#v", first)
	}
	if len(first.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(first.Messages))
	}
	if first.Messages[1].Content != "an answer" {
		t.Fatalf("assistant content wrong: %q", first.Messages[1].Content)
	}

	// A follow-up on the same session stays in the same conversation.
	resp = env.do(t, http.MethodPost, "/api/chat/send", "alice-token", first.SessionToken, sendRequest{Question: "and then?"})
	second := decodeJSON[chatResponse](t, resp)
	if second.ConversationID != first.ConversationID {
		t.Fatalf("follow-up switched conversation: %q vs %q", second.ConversationID, first.ConversationID)
	}
	if len(second.Messages) != 4 {
		t.Fatalf("expected 4 messages after second turn, got %d", len(second.Messages))
	}

	conv, err := env.store.GetConversation(context.Background(), first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.MessageCount != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", conv.MessageCount)
	}
	if conv.Title != "What is churn?" {
		t.Fatalf("title not derived: %q", conv.Title)
	}
}

func TestSendEmptyQuestion(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "   "})
	body := decodeJSON[errorResponse](t, resp)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "empty_question" {
		t.Fatalf("expected 400 empty_question, got %d %q", resp.StatusCode, body.Error)
	}
}

func TestSendModelPreferenceDenied(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "hi", ModelPreference: "gpt-4"})
	body := decodeJSON[errorResponse](t, resp)
	if resp.StatusCode != http.StatusForbidden || body.Error != "model_not_allowed" {
		t.Fatalf("expected 403 model_not_allowed, got %d %q", resp.StatusCode, body.Error)
	}

	// The auto sentinel is always available.
	resp = env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "hi", ModelPreference: "auto"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auto preference should pass, got %d", resp.StatusCode)
	}
}

func TestConversationOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)
	env.grantAccess(t, "bob@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "secret question"})
	created := decodeJSON[chatResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+created.ConversationID+"/messages", "bob-token", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign conversation must read as 404, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+created.ConversationID, "bob-token", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete must read as 404, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/conversations/"+created.ConversationID+"/messages", "alice-token", "", nil)
	loaded := decodeJSON[chatResponse](t, resp)
	if resp.StatusCode != http.StatusOK || len(loaded.Messages) != 2 {
		t.Fatalf("owner load failed: %d, %d messages", resp.StatusCode, len(loaded.Messages))
	}
}

func TestDeleteConversation(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "to be deleted"})
	created := decodeJSON[chatResponse](t, resp)

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+created.ConversationID, "alice-token", created.SessionToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete failed: %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/conversations", "alice-token", created.SessionToken, nil)
	listing := decodeJSON[map[string][]storage.Conversation](t, resp)
	if len(listing["conversations"]) != 0 {
		t.Fatalf("conversation should be gone, got %#v", listing)
	}
}

func TestAdminGateAndUserManagement(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodGet, "/api/admin/users", "alice-token", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin must be rejected, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{
		Email:         "Carol@PulsePoint.com",
		AllowedModels: []string{"gpt-4"},
	})
	created := decodeJSON[storage.AccessRecord](t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user failed: %d", resp.StatusCode)
	}
	if created.Email != "carol@pulsepoint.com" || !created.IsActive {
		t.Fatalf("created record wrong: %#v", created)
	}

	resp = env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{Email: "carol@pulsepoint.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create should 409, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{Email: "not-an-email"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid email should 400, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPut, "/api/admin/users/"+created.ID, "admin-token", "", updateUserRequest{
		AllowedModels: []string{"gpt-4", "claude"},
		IsAdmin:       boolPtr(true),
		IsActive:      boolPtr(false),
	})
	updated := decodeJSON[storage.AccessRecord](t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update failed: %d", resp.StatusCode)
	}
	if updated.IsActive || !updated.IsAdmin || len(updated.AllowedModels) != 2 {
		t.Fatalf("update not applied: %#v", updated)
	}

	resp = env.do(t, http.MethodPut, "/api/admin/users/missing", "admin-token", "", updateUserRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user should 404, got %d", resp.StatusCode)
	}
}

func TestAdminCreateRejectsOutsideDomain(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{
		Email: "intruder@evil.com",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create outside allowed domain must be rejected, got %d", resp.StatusCode)
	}

	// Suffix trickery must not pass either.
	resp = env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{
		Email: "eve@notpulsepoint.com",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("lookalike domain must be rejected, got %d", resp.StatusCode)
	}
}

func TestAdminUpdateKeepsOmittedFields(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/admin/users", "admin-token", "", createUserRequest{
		Email:         "dave@pulsepoint.com",
		AllowedModels: []string{"gpt-4"},
	})
	created := decodeJSON[storage.AccessRecord](t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user failed: %d", resp.StatusCode)
	}

	// Only allowed_models is sent; active/admin flags must survive.
	resp = env.do(t, http.MethodPut, "/api/admin/users/"+created.ID, "admin-token", "", updateUserRequest{
		AllowedModels: []string{"claude"},
	})
	updated := decodeJSON[storage.AccessRecord](t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update failed: %d", resp.StatusCode)
	}
	if !updated.IsActive {
		t.Fatalf("omitted is_active must keep stored value, got %#v", updated)
	}
	if updated.IsAdmin {
		t.Fatalf("omitted is_admin must keep stored value, got %#v", updated)
	}
	if len(updated.AllowedModels) != 1 || updated.AllowedModels[0] != "claude" {
		t.Fatalf("allowed_models not applied: %#v", updated)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := env.store.InsertUsage(ctx, storage.UsageRecord{
			UserID: "u1", Email: "alice@pulsepoint.com", Model: "gpt-4",
			InputTokens: 10, OutputTokens: 5, Cost: 0.1,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/admin/usage", "admin-token", "", nil)
	stats := decodeJSON[storage.UsageStats](t, resp)
	if resp.StatusCode != http.StatusOK || stats.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d (status %d)", stats.TotalRequests, resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/admin/usage?start=2026-04-01T09%3A30%3A00Z&end=2026-04-01T11%3A30%3A00Z", "admin-token", "", nil)
	stats = decodeJSON[storage.UsageStats](t, resp)
	if stats.TotalRequests != 2 {
		t.Fatalf("expected 2 requests in range, got %d", stats.TotalRequests)
	}

	resp = env.do(t, http.MethodGet, "/api/admin/usage?start=yesterday", "admin-token", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad start should 400, got %d", resp.StatusCode)
	}
}

func TestNewConversationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t, "alice@pulsepoint.com", false)

	resp := env.do(t, http.MethodPost, "/api/chat/send", "alice-token", "", sendRequest{Question: "first"})
	first := decodeJSON[chatResponse](t, resp)

	resp = env.do(t, http.MethodPost, "/api/chat/new", "alice-token", first.SessionToken, nil)
	fresh := decodeJSON[chatResponse](t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new conversation failed: %d", resp.StatusCode)
	}
	if fresh.ConversationID != "" || len(fresh.Messages) != 0 {
		t.Fatalf("fresh state expected: %#v", fresh)
	}

	resp = env.do(t, http.MethodPost, "/api/chat/send", "alice-token", first.SessionToken, sendRequest{Question: "second"})
	next := decodeJSON[chatResponse](t, resp)
	if next.ConversationID == "" || next.ConversationID == first.ConversationID {
		t.Fatalf("a new conversation should start on the next send")
	}
}
