package display

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

// fakeDisplayServer records provisioning calls and can be told to fail.
type fakeDisplayServer struct {
	mu        sync.Mutex
	failView  bool
	ensured   map[string]int
	released  map[string]int
}

func newFakeDisplayServer() *fakeDisplayServer {
	return &fakeDisplayServer{ensured: make(map[string]int), released: make(map[string]int)}
}

func (f *fakeDisplayServer) EnsureDisplay(userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[userID]++
	return ":99", nil
}

func (f *fakeDisplayServer) ViewerURL(userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failView {
		return "", assert.AnError
	}
	return "http://localhost:6080/vnc.html?user=" + userID, nil
}

func (f *fakeDisplayServer) Release(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[userID]++
}

func testPortalConfig() config.PortalConfig {
	return config.PortalConfig{
		TTL:           20 * time.Minute,
		SweepInterval: 30 * time.Second,
		SigningKey:    "test-signing-key",
	}
}

func newTestBroker(t *testing.T, server DisplayServer) (*Broker, *time.Time) {
	t.Helper()
	b := NewBroker(testPortalConfig(), server, zap.NewNop())
	clock := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestOpenPortalIssuesToken(t *testing.T) {
	b, clock := newTestBroker(t, newFakeDisplayServer())

	p, err := b.OpenPortal(context.Background(), "u1", "https://example.com/checkpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Token)
	assert.Equal(t, "u1", p.UserID)
	assert.Contains(t, p.ViewURL, "u1")
	assert.Equal(t, clock.Add(20*time.Minute), p.ExpiresAt)

	owner, err := b.Resolve(p.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

func TestOpenPortalIsIdempotentPerUser(t *testing.T) {
	b, _ := newTestBroker(t, newFakeDisplayServer())

	p1, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)
	p2, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, p1.Token, p2.Token)
}

func TestOpenPortalDegradesToManual(t *testing.T) {
	server := newFakeDisplayServer()
	server.failView = true
	b, _ := newTestBroker(t, server)

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err, "display failure must not block checkpoint handling")
	assert.Empty(t, p.ViewURL)
	assert.NotEmpty(t, p.Token, "a manual portal still carries a completion token")
}

func TestOpenPortalWithoutDisplayStack(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, p.ViewURL)
}

func TestCompleteUnblocksAwait(t *testing.T) {
	b, _ := newTestBroker(t, newFakeDisplayServer())

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		errs <- b.AwaitCompletion(context.Background(), "u1", time.Minute)
	}()

	require.NoError(t, b.Complete(p.Token))
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitCompletion did not return after Complete")
	}

	// A completed token cannot be replayed.
	require.ErrorIs(t, b.Complete(p.Token), schemas.ErrPortalNotFound)
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	b, _ := newTestBroker(t, newFakeDisplayServer())

	_, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	err = b.AwaitCompletion(context.Background(), "u1", 20*time.Millisecond)
	require.ErrorIs(t, err, schemas.ErrCheckpointTimeout)
}

func TestAwaitCompletionWithoutPortal(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	err := b.AwaitCompletion(context.Background(), "ghost", time.Millisecond)
	require.ErrorIs(t, err, schemas.ErrPortalNotFound)
}

func TestClosePortalRevokesAndReleases(t *testing.T) {
	server := newFakeDisplayServer()
	b, _ := newTestBroker(t, server)

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	b.ClosePortal("u1")
	_, err = b.Resolve(p.Token)
	require.ErrorIs(t, err, schemas.ErrPortalNotFound)
	assert.Equal(t, 1, server.released["u1"])

	// Idempotent.
	b.ClosePortal("u1")
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	b, clock := newTestBroker(t, nil)

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	*clock = clock.Add(21 * time.Minute)
	_, err = b.Resolve(p.Token)
	require.ErrorIs(t, err, schemas.ErrPortalNotFound)
}

func TestResolveRejectsForgedToken(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	other := NewBroker(config.PortalConfig{TTL: time.Hour, SigningKey: "different-key"}, nil, zap.NewNop())

	p, err := other.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	_, err = b.Resolve(p.Token)
	require.ErrorIs(t, err, schemas.ErrPortalNotFound)
}

func TestSweepClosesExpiredPortals(t *testing.T) {
	server := newFakeDisplayServer()
	b, clock := newTestBroker(t, server)

	p, err := b.OpenPortal(context.Background(), "u1", "")
	require.NoError(t, err)

	b.sweep()
	_, err = b.Resolve(p.Token)
	require.NoError(t, err, "portal within TTL survives the sweep")

	*clock = clock.Add(21 * time.Minute)
	b.sweep()
	_, err = b.Resolve(p.Token)
	require.ErrorIs(t, err, schemas.ErrPortalNotFound)
	assert.Equal(t, 1, server.released["u1"])
}
