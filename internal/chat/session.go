package chat

import (
	"context"
	"sync"
	"time"

	"productchat/internal/auth"
	"productchat/internal/storage"
)

// Session holds the client-visible conversation state for one chat session.
// All mutation goes through the Controller, which serializes entry points
// with the session mutex; rendering code only ever sees snapshots.
type Session struct {
	Token    string
	Identity auth.Identity

	mu                  sync.Mutex
	messages            []storage.Message
	conversationID      string
	creating            *convFuture
	loadingConversation bool
	lastActive          time.Time
}

func (s *Session) snapshotLocked() []storage.Message {
	out := make([]storage.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot returns a copy of the local message sequence.
func (s *Session) Snapshot() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ConversationID returns the active conversation id, empty if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) touchLocked(now time.Time) {
	s.lastActive = now
}

// convFuture is a single-resolution future fulfilled exactly once by the
// conversation-creation task. Consumers await it with a deadline instead of
// polling a shared variable.
type convFuture struct {
	done chan struct{}
	once sync.Once
	id   string
	err  error
}

func newConvFuture() *convFuture {
	return &convFuture{done: make(chan struct{})}
}

func (f *convFuture) resolve(id string, err error) {
	f.once.Do(func() {
		f.id = id
		f.err = err
		close(f.done)
	})
}

func (f *convFuture) await(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.id, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// pendingWrites tracks in-flight store writes per conversation, so "is a
// write still pending for this conversation" is a deterministic lookup.
type pendingWrites struct {
	mu             sync.Mutex
	byConversation map[string]int
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{byConversation: map[string]int{}}
}

func (p *pendingWrites) add(conversationID string) {
	p.mu.Lock()
	p.byConversation[conversationID]++
	p.mu.Unlock()
}

func (p *pendingWrites) done(conversationID string) {
	p.mu.Lock()
	if n := p.byConversation[conversationID]; n <= 1 {
		delete(p.byConversation, conversationID)
	} else {
		p.byConversation[conversationID] = n - 1
	}
	p.mu.Unlock()
}

func (p *pendingWrites) pending(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byConversation[conversationID] > 0
}
