package store

import (
	"context"
	"sync"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// MemoryAnswers is an in-memory AnswerStore for tests and single-node use.
type MemoryAnswers struct {
	mu     sync.RWMutex
	byUser map[string][]schemas.Answer
}

// NewMemoryAnswers creates an empty in-memory answer history.
func NewMemoryAnswers() *MemoryAnswers {
	return &MemoryAnswers{byUser: make(map[string][]schemas.Answer)}
}

var _ schemas.AnswerStore = (*MemoryAnswers)(nil)

func (m *MemoryAnswers) Append(_ context.Context, userID string, a schemas.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[userID] = append(m.byUser[userID], a)
	return nil
}

func (m *MemoryAnswers) History(_ context.Context, userID string) ([]schemas.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.byUser[userID]
	out := make([]schemas.Answer, len(history))
	copy(out, history)
	return out, nil
}

// MemoryUsage is an in-memory UsageStore.
type MemoryUsage struct {
	mu     sync.RWMutex
	byUser map[string]schemas.DailyUsage
}

// NewMemoryUsage creates an empty in-memory usage store.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{byUser: make(map[string]schemas.DailyUsage)}
}

var _ schemas.UsageStore = (*MemoryUsage)(nil)

func (m *MemoryUsage) Get(_ context.Context, userID string) (schemas.DailyUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.byUser[userID]; ok {
		return u, nil
	}
	return schemas.DailyUsage{UserID: userID}, nil
}

func (m *MemoryUsage) Put(_ context.Context, u schemas.DailyUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[u.UserID] = u
	return nil
}

// StaticVault is a CredentialVault backed by a fixed map. The production
// deployment swaps in the real vault; this keeps the binary self-contained.
type StaticVault struct {
	mu    sync.RWMutex
	creds map[string]schemas.Credentials
}

// NewStaticVault creates a vault seeded with the given credentials.
func NewStaticVault(creds map[string]schemas.Credentials) *StaticVault {
	if creds == nil {
		creds = make(map[string]schemas.Credentials)
	}
	return &StaticVault{creds: creds}
}

var _ schemas.CredentialVault = (*StaticVault)(nil)

func (v *StaticVault) Get(_ context.Context, userID string) (schemas.Credentials, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.creds[userID]
	if !ok {
		return schemas.Credentials{}, schemas.ErrCredentialsMissing
	}
	return c, nil
}

// Set adds or replaces a user's credentials.
func (v *StaticVault) Set(userID string, c schemas.Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[userID] = c
}
