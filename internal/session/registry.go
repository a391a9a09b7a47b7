package session

import (
	"context"
	"sync"
	"time"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// Session is one user's live automation session. It exclusively owns a
// browser handle; every exit path must close it exactly once.
type Session struct {
	UserID    string
	CreatedAt time.Time

	// ctx is the session-scoped context; cancelling it interrupts any
	// suspension point (browser action, question wait, checkpoint wait).
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        schemas.SessionState
	browser      schemas.BrowserHandle
	lastActivity time.Time
	busy         bool
	progress     string

	endOnce sync.Once
}

// State returns the session's current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state schemas.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince reports the last activity timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setProgress(msg string) {
	s.mu.Lock()
	s.progress = msg
	s.mu.Unlock()
}

// beginTask marks the session busy. Exactly one task may run at a time;
// concurrent invocations get ErrSessionBusy.
func (s *Session) beginTask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.state != schemas.StateReady {
		return schemas.ErrSessionBusy
	}
	s.busy = true
	s.state = schemas.StateBusy
	s.lastActivity = time.Now()
	return nil
}

// endTask returns the session to Ready (or records terminal failure).
func (s *Session) endTask(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if failed {
		s.state = schemas.StateFailed
	} else {
		s.state = schemas.StateReady
	}
	s.lastActivity = time.Now()
}

// Registry is the keyed session store shared by the HTTP handlers, the
// real-time message handlers and the reaper. Check-then-create is atomic so
// two concurrent starts can never launch two browsers for one user.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session for the user, failing with ErrAlreadyActive
// when one exists. The returned session is already in Authenticating state so
// a racing second caller fails before any browser is launched.
func (r *Registry) Create(userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[userID]; exists {
		return nil, schemas.ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		UserID:       userID,
		CreatedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		state:        schemas.StateAuthenticating,
		lastActivity: time.Now(),
	}
	r.sessions[userID] = s
	return s, nil
}

// Get returns the user's session or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Remove deletes the user's session entry. It does not tear anything down;
// that is the orchestrator's job.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// List snapshots the live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
