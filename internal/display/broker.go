package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

// DisplayServer provisions per-user virtual displays and remote viewers.
// Implementations must tolerate Release for users they never provisioned.
type DisplayServer interface {
	EnsureDisplay(userID string) (string, error)
	ViewerURL(userID string) (string, error)
	Release(userID string)
}

type portal struct {
	schemas.Portal
	done   chan struct{}
	closed bool
}

// Broker issues and revokes checkpoint portals. Tokens are signed, TTL-bounded
// bearer capabilities; a background sweep closes expired portals so a stale
// token can never keep granting live control.
type Broker struct {
	cfg    config.PortalConfig
	key    []byte
	server DisplayServer
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	byUser  map[string]*portal
	byToken map[string]string // token -> userID
}

var _ schemas.DisplayBroker = (*Broker)(nil)

// NewBroker creates a broker. server may be nil, in which case every portal
// is issued in degraded manual mode.
func NewBroker(cfg config.PortalConfig, server DisplayServer, logger *zap.Logger) *Broker {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		// Tokens stay verifiable within this process only. Fine for a single
		// node; multi-node deployments must configure a shared key.
		key = []byte(uuid.NewString())
	}
	return &Broker{
		cfg:     cfg,
		key:     key,
		server:  server,
		logger:  logger.Named("display"),
		now:     time.Now,
		byUser:  make(map[string]*portal),
		byToken: make(map[string]string),
	}
}

// EnsureDisplay pre-provisions a virtual display for the user's browser so a
// later portal can attach a viewer to it. Returns "" when no display stack is
// available; the browser then runs headless and portals degrade to manual.
func (b *Broker) EnsureDisplay(userID string) (string, error) {
	if b.server == nil {
		return "", nil
	}
	return b.server.EnsureDisplay(userID)
}

// OpenPortal issues a portal for the user. Repeated calls return the existing
// portal. Display-stack failure is not an error: the returned portal has an
// empty ViewURL and the caller relays manual instructions instead.
func (b *Broker) OpenPortal(ctx context.Context, userID, currentURL string) (schemas.Portal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.byUser[userID]; ok && !p.closed {
		return p.Portal, nil
	}

	expiresAt := b.now().Add(b.cfg.TTL)
	token, err := b.signToken(userID, expiresAt)
	if err != nil {
		return schemas.Portal{}, fmt.Errorf("failed to sign portal token: %w", err)
	}

	viewURL := ""
	if b.server != nil {
		viewURL, err = b.server.ViewerURL(userID)
		if err != nil {
			b.logger.Warn("Display stack unavailable, issuing manual portal.",
				zap.String("user_id", userID), zap.Error(err))
			viewURL = ""
		}
	}

	p := &portal{
		Portal: schemas.Portal{
			Token:     token,
			UserID:    userID,
			ViewURL:   viewURL,
			ExpiresAt: expiresAt,
		},
		done: make(chan struct{}),
	}
	b.byUser[userID] = p
	b.byToken[token] = userID

	b.logger.Info("Checkpoint portal opened.",
		zap.String("user_id", userID),
		zap.Bool("manual", viewURL == ""),
		zap.Time("expires_at", expiresAt),
		zap.String("checkpoint_url", currentURL))
	return p.Portal, nil
}

// AwaitCompletion blocks until the user's portal receives its done signal,
// the timeout elapses, or ctx is cancelled. Timeout maps to
// ErrCheckpointTimeout.
func (b *Broker) AwaitCompletion(ctx context.Context, userID string, timeout time.Duration) error {
	b.mu.Lock()
	p, ok := b.byUser[userID]
	b.mu.Unlock()
	if !ok {
		return schemas.ErrPortalNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return schemas.ErrCheckpointTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve validates a bearer token and returns the owning user. Expired,
// revoked and foreign tokens all map to ErrPortalNotFound; callers get no
// hint which.
func (b *Broker) Resolve(token string) (string, error) {
	userID, err := b.verifyToken(token)
	if err != nil {
		return "", schemas.ErrPortalNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.byToken[token]
	if !ok || owner != userID {
		return "", schemas.ErrPortalNotFound
	}
	p := b.byUser[owner]
	if p == nil || p.closed || b.now().After(p.ExpiresAt) {
		return "", schemas.ErrPortalNotFound
	}
	return owner, nil
}

// Complete signals that the human finished the checkpoint behind the token.
func (b *Broker) Complete(token string) error {
	userID, err := b.Resolve(token)
	if err != nil {
		return err
	}

	b.mu.Lock()
	p := b.byUser[userID]
	var done chan struct{}
	if p != nil && !p.closed {
		done = p.done
		p.closed = true
	}
	b.mu.Unlock()

	if done != nil {
		close(done)
		b.logger.Info("Checkpoint portal completed.", zap.String("user_id", userID))
	}
	return nil
}

// ClosePortal revokes the user's portal and releases display resources.
// Idempotent.
func (b *Broker) ClosePortal(userID string) {
	b.mu.Lock()
	p, ok := b.byUser[userID]
	if ok {
		delete(b.byUser, userID)
		delete(b.byToken, p.Token)
		if !p.closed {
			p.closed = true
			close(p.done)
		}
	}
	b.mu.Unlock()

	if b.server != nil {
		b.server.Release(userID)
	}
	if ok {
		b.logger.Info("Checkpoint portal closed.", zap.String("user_id", userID))
	}
}

// Run sweeps expired portals until ctx is cancelled. A portal past its
// expiry is closed regardless of any in-flight wait.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	now := b.now()
	b.mu.Lock()
	var expired []string
	for userID, p := range b.byUser {
		if now.After(p.ExpiresAt) {
			expired = append(expired, userID)
		}
	}
	b.mu.Unlock()

	for _, userID := range expired {
		b.logger.Warn("Sweeping expired checkpoint portal.", zap.String("user_id", userID))
		b.ClosePortal(userID)
	}
}

type portalClaims struct {
	jwt.RegisteredClaims
}

func (b *Broker) signToken(userID string, expiresAt time.Time) (string, error) {
	claims := portalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(b.now()),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
}

func (b *Broker) verifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &portalClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return b.now() }))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*portalClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("malformed portal claims")
	}
	return claims.Subject, nil
}
