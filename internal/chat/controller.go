package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"productchat/internal/auth"
	"productchat/internal/inference"
	"productchat/internal/metrics"
	"productchat/internal/storage"
)

var ErrEmptyQuestion = errors.New("question is empty")

// errCreateSuperseded marks a conversation create that finished after the
// session had already moved on; waiters treat it as "no conversation".
var errCreateSuperseded = errors.New("conversation creation superseded")

const (
	emptyAnswerFallback = "No response"
	timeoutNotice       = "The request took too long to process. This might be due to a complex query. Please try rephrasing your question or breaking it into smaller parts."
	failureNotice       = "Sorry, I encountered an error. Please try again."

	titleLimit     = 50
	persistTimeout = 10 * time.Second
)

// ConversationStore is the slice of the store the controller mutates.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, title string) (storage.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string, sources []string) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
	ListConversations(ctx context.Context, userID string) ([]storage.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteEmptyConversations(ctx context.Context, userID string) (int, error)
}

// Asker is the inference collaborator.
type Asker interface {
	Ask(ctx context.Context, req inference.AskRequest) (inference.AskResponse, error)
}

// UsageRecorder receives usage ledger entries; implementations must never
// block the chat path for long.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec storage.UsageRecord) error
}

type Config struct {
	Store            ConversationStore
	Asker            Asker
	Usage            UsageRecorder
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics
	CreateTimeout    time.Duration
	InferenceTimeout time.Duration
	HistoryWindow    int
	MaxResults       int
}

// Controller owns the conversation lifecycle: lazy creation on first
// message, append ordering, empty-conversation suppression and the
// reconciliation between optimistic local state and the remote store.
type Controller struct {
	store            ConversationStore
	asker            Asker
	usage            UsageRecorder
	logger           zerolog.Logger
	metrics          *metrics.Metrics
	createTimeout    time.Duration
	inferenceTimeout time.Duration
	historyWindow    int
	maxResults       int
	pending          *pendingWrites

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewController(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 3 * time.Second
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 120 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 5
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &Controller{
		store:            cfg.Store,
		asker:            cfg.Asker,
		usage:            cfg.Usage,
		logger:           cfg.Logger,
		metrics:          m,
		createTimeout:    cfg.CreateTimeout,
		inferenceTimeout: cfg.InferenceTimeout,
		historyWindow:    cfg.HistoryWindow,
		maxResults:       cfg.MaxResults,
		pending:          newPendingWrites(),
		sessions:         map[string]*Session{},
	}
}

// Session returns the session for token, creating a fresh one when the token
// is unknown, empty, or bound to a different identity.
func (c *Controller) Session(token string, identity auth.Identity) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != "" {
		if s, ok := c.sessions[token]; ok && s.Identity.UID == identity.UID {
			return s
		}
	}
	s := &Session{
		Token:      uuid.NewString(),
		Identity:   identity,
		lastActive: time.Now().UTC(),
	}
	c.sessions[s.Token] = s
	return s
}

// EvictIdleSessions drops sessions idle for longer than ttl.
func (c *Controller) EvictIdleSessions(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for token, s := range c.sessions {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(c.sessions, token)
			n++
		}
	}
	return n
}

// SendMessage runs one chat turn: optimistic local append, lazy conversation
// creation, user-message persistence overlapped with the inference call, and
// the assistant append. Persistence failures are swallowed so store trouble
// never blocks the conversation; inference failures surface as an assistant
// notice.
func (c *Controller) SendMessage(ctx context.Context, sess *Session, question, modelPreference string) ([]storage.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	sess.mu.Lock()
	sess.touchLocked(time.Now().UTC())
	history := historyEntries(sess.messages, c.historyWindow)
	msgCountBefore := len(sess.messages)
	sess.messages = append(sess.messages, localMessage(storage.RoleUser, question, nil))

	var fut *convFuture
	if sess.conversationID == "" {
		if sess.creating == nil {
			// The creating guard keeps rapid repeated sends from racing
			// duplicate conversation records into the store.
			fut = newConvFuture()
			sess.creating = fut
			go c.createConversation(sess, fut)
		} else {
			fut = sess.creating
		}
	}
	convID := sess.conversationID
	sess.mu.Unlock()

	if convID == "" && fut != nil {
		// Bounded wait; on timeout the turn proceeds local-only.
		convID = c.awaitConversation(ctx, fut)
	}

	var persistWG sync.WaitGroup
	if convID != "" {
		persistWG.Add(1)
		c.pending.add(convID)
		first := msgCountBefore == 0
		go func(convID string) {
			defer persistWG.Done()
			defer c.pending.done(convID)
			c.persistUserMessage(sess, convID, question, first)
		}(convID)
	}

	c.metrics.Asks.Inc()
	sessionID := convID
	if sessionID == "" {
		sessionID = sess.Token
	}
	ictx, cancel := context.WithTimeout(ctx, c.inferenceTimeout)
	resp, err := c.asker.Ask(ictx, inference.AskRequest{
		Question:        question,
		SessionID:       sessionID,
		History:         history,
		MaxResults:      c.maxResults,
		ModelPreference: modelPreference,
	})
	cancel()

	var assistant storage.Message
	if err != nil {
		c.metrics.AskFailures.Inc()
		content := failureNotice
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			content = timeoutNotice
		}
		c.logger.Error().Err(err).Str("session", sess.Token).Msg("inference call failed")
		assistant = localMessage(storage.RoleAssistant, content, nil)
	} else {
		answer := strings.TrimSpace(resp.Answer)
		if answer == "" {
			answer = emptyAnswerFallback
		}
		assistant = localMessage(storage.RoleAssistant, answer, resp.Sources)
		if resp.Usage != nil && c.usage != nil {
			c.recordUsage(sess, convID, resp.Usage)
		}
	}

	if convID == "" && fut != nil {
		// Step 2 may still be in flight; give the id one more bounded
		// chance to materialize before the assistant persist.
		convID = c.awaitConversation(ctx, fut)
	}
	if convID != "" {
		c.pending.add(convID)
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		if _, perr := c.store.AppendMessage(pctx, convID, assistant.Role, assistant.Content, assistant.Sources); perr != nil {
			c.logger.Error().Err(perr).Str("conversation_id", convID).Msg("failed to persist assistant message")
		} else {
			c.metrics.MessagesPersisted.Inc()
		}
		pcancel()
		c.pending.done(convID)
	}

	sess.mu.Lock()
	sess.messages = append(sess.messages, assistant)
	out := sess.snapshotLocked()
	sess.mu.Unlock()

	persistWG.Wait()
	return out, nil
}

// StartNewConversation clears local state so the next send begins a fresh
// conversation. Nothing is created in the store until that send happens; an
// already-empty conversation is deleted instead of leaked.
func (c *Controller) StartNewConversation(sess *Session) {
	sess.mu.Lock()
	sess.touchLocked(time.Now().UTC())
	convID := sess.conversationID
	empty := len(sess.messages) == 0
	sess.messages = nil
	sess.conversationID = ""
	sess.creating = nil
	sess.mu.Unlock()

	if empty && convID != "" && !c.pending.pending(convID) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := c.store.DeleteConversation(ctx, convID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				c.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to delete empty conversation")
			}
		}()
	}
}

// LoadConversation replaces local state with the stored message sequence.
// Re-selecting the active conversation is a no-op, as is a call while
// another load is in flight.
func (c *Controller) LoadConversation(ctx context.Context, sess *Session, conversationID string) ([]storage.Message, error) {
	sess.mu.Lock()
	sess.touchLocked(time.Now().UTC())
	if sess.conversationID == conversationID && len(sess.messages) > 0 {
		out := sess.snapshotLocked()
		sess.mu.Unlock()
		return out, nil
	}
	if sess.loadingConversation {
		out := sess.snapshotLocked()
		sess.mu.Unlock()
		return out, nil
	}
	sess.loadingConversation = true
	sess.messages = nil
	sess.conversationID = ""
	sess.creating = nil
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		sess.loadingConversation = false
		sess.mu.Unlock()
	}()

	msgs, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.messages = msgs
	sess.conversationID = conversationID
	out := sess.snapshotLocked()
	sess.mu.Unlock()
	return out, nil
}

// DeleteConversation removes a stored conversation and, when it is the
// session's active one, clears local state as well.
func (c *Controller) DeleteConversation(ctx context.Context, sess *Session, conversationID string) error {
	if err := c.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.conversationID == conversationID {
		sess.messages = nil
		sess.conversationID = ""
		sess.creating = nil
	}
	sess.mu.Unlock()
	return nil
}

func (c *Controller) ListConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	return c.store.ListConversations(ctx, userID)
}

// CleanupEmptyConversations sweeps the owner's zero-message conversations.
// Failures are logged, never surfaced: cleanup must not block anything.
func (c *Controller) CleanupEmptyConversations(ctx context.Context, userID string) {
	n, err := c.store.DeleteEmptyConversations(ctx, userID)
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("empty conversation cleanup failed")
		return
	}
	if n > 0 {
		c.metrics.ConversationsCleaned.Add(float64(n))
		c.logger.Info().Int("deleted", n).Str("user_id", userID).Msg("cleaned up empty conversations")
	}
}

func (c *Controller) createConversation(sess *Session, fut *convFuture) {
	ctx, cancel := context.WithTimeout(context.Background(), c.createTimeout)
	defer cancel()

	conv, err := c.store.CreateConversation(ctx, sess.Identity.UID, "")
	if err != nil {
		c.logger.Error().Err(err).Str("session", sess.Token).Msg("conversation creation failed, staying local-only")
		sess.mu.Lock()
		if sess.creating == fut {
			sess.creating = nil
		}
		sess.mu.Unlock()
		fut.resolve("", err)
		return
	}

	sess.mu.Lock()
	if sess.creating != fut {
		// The session moved on (new conversation, load, delete) while the
		// create was in flight. Do not re-attach; drop the orphaned record.
		sess.mu.Unlock()
		dctx, dcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer dcancel()
		if derr := c.store.DeleteConversation(dctx, conv.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			c.logger.Error().Err(derr).Str("conversation_id", conv.ID).Msg("failed to delete superseded conversation")
		}
		fut.resolve("", errCreateSuperseded)
		return
	}
	if sess.conversationID == "" {
		sess.conversationID = conv.ID
	}
	sess.mu.Unlock()
	fut.resolve(conv.ID, nil)
}

func (c *Controller) awaitConversation(ctx context.Context, fut *convFuture) string {
	wctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()
	id, err := fut.await(wctx)
	if err != nil {
		return ""
	}
	return id
}

func (c *Controller) persistUserMessage(sess *Session, convID, question string, first bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := c.store.AppendMessage(ctx, convID, storage.RoleUser, question, nil); err != nil {
		c.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to persist user message")
		if first {
			// The save that would have populated the fresh conversation
			// failed; roll back the orphaned empty record.
			if derr := c.store.DeleteConversation(ctx, convID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				c.logger.Error().Err(derr).Str("conversation_id", convID).Msg("failed to roll back empty conversation")
			}
			sess.mu.Lock()
			if sess.conversationID == convID {
				sess.conversationID = ""
				sess.creating = nil
			}
			sess.mu.Unlock()
		}
		return
	}
	c.metrics.MessagesPersisted.Inc()

	if first {
		if err := c.store.UpdateConversationTitle(ctx, convID, deriveTitle(question)); err != nil {
			c.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to persist conversation title")
		}
	}
}

func (c *Controller) recordUsage(sess *Session, convID string, usage *inference.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := c.usage.RecordUsage(ctx, storage.UsageRecord{
		UserID:         sess.Identity.UID,
		Email:          sess.Identity.Email,
		Model:          usage.Model,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		Cost:           usage.Cost,
		ConversationID: convID,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("session", sess.Token).Msg("failed to record usage")
	}
}

// localMessage synthesizes the optimistic client-side message. Its id and
// timestamp are placeholders; the store-assigned counterparts are not
// reconciled back.
func localMessage(role, content string, sources []string) storage.Message {
	if sources == nil {
		sources = []string{}
	}
	return storage.Message{
		ID:        "local-" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Sources:   sources,
		Timestamp: time.Now().UTC(),
	}
}

func historyEntries(messages []storage.Message, window int) []inference.HistoryEntry {
	start := len(messages) - window
	if start < 0 {
		start = 0
	}
	out := make([]inference.HistoryEntry, 0, len(messages)-start)
	for _, m := range messages[start:] {
		out = append(out, inference.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}

func deriveTitle(question string) string {
	r := []rune(strings.TrimSpace(question))
	if len(r) <= titleLimit {
		return string(r)
	}
	return string(r[:titleLimit]) + "..."
}
