package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/qa"
	"github.com/xkilldash9x/applypilot/internal/ratelimit"
)

// maxFlowSteps bounds the apply loop; a form that keeps rendering new steps
// past this is treated as an adapter error, not retried.
const maxFlowSteps = 25

// Orchestrator is the per-user state machine sequencing login, optional
// checkpoint, task execution, the question loop and completion. It owns every
// session's browser handle and Q&A turn state.
type Orchestrator struct {
	cfg      config.SessionConfig
	vault    schemas.CredentialVault
	adapter  schemas.PageAdapter
	launcher schemas.BrowserLauncher
	broker   schemas.DisplayBroker
	channel  *qa.Channel
	limiter  *ratelimit.Limiter
	answers  schemas.AnswerStore
	notifier schemas.Notifier
	registry *Registry
	logger   *zap.Logger
}

// New wires the orchestrator. All collaborators are injected; there is no
// ambient module state, so several isolated instances can coexist in one
// process.
func New(
	cfg config.SessionConfig,
	vault schemas.CredentialVault,
	adapter schemas.PageAdapter,
	launcher schemas.BrowserLauncher,
	broker schemas.DisplayBroker,
	channel *qa.Channel,
	limiter *ratelimit.Limiter,
	answers schemas.AnswerStore,
	notifier schemas.Notifier,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		vault:    vault,
		adapter:  adapter,
		launcher: launcher,
		broker:   broker,
		channel:  channel,
		limiter:  limiter,
		answers:  answers,
		notifier: notifier,
		registry: NewRegistry(),
		logger:   logger.Named("orchestrator"),
	}
}

// Registry exposes the session registry to the transport layer.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// StartSession registers a session for the user, launches its browser and
// drives login. When the site raises a security checkpoint, the session stays
// alive in CheckpointRequired while a background wait watches the portal; the
// method itself returns so callers can follow progress on the real-time
// channel.
func (o *Orchestrator) StartSession(ctx context.Context, userID string) (schemas.SessionStatus, error) {
	sess, err := o.registry.Create(userID)
	if err != nil {
		return schemas.SessionStatus{}, err
	}
	log := o.logger.With(zap.String("user_id", userID))

	creds, err := o.vault.Get(ctx, userID)
	if err != nil {
		o.teardown(sess, schemas.StateFailed)
		if errors.Is(err, schemas.ErrCredentialsMissing) {
			return schemas.SessionStatus{}, err
		}
		return schemas.SessionStatus{}, fmt.Errorf("credential lookup failed: %w", err)
	}

	browser, err := o.launcher.Launch(ctx, userID)
	if err != nil {
		o.teardown(sess, schemas.StateFailed)
		return schemas.SessionStatus{}, fmt.Errorf("browser launch failed: %w", err)
	}
	sess.mu.Lock()
	sess.browser = browser
	sess.mu.Unlock()

	o.event(userID, schemas.EventSessionStarted, "Session started, signing in.")

	outcome, err := o.adapter.Login(sess.ctx, browser, creds)
	if err != nil {
		log.Error("Login attempt errored.", zap.Error(err))
		o.teardown(sess, schemas.StateFailed)
		return schemas.SessionStatus{}, fmt.Errorf("%w: %v", schemas.ErrLoginFailed, err)
	}

	switch outcome.Result {
	case schemas.LoginOK:
		sess.setState(schemas.StateReady)
		sess.Touch()
		o.event(userID, schemas.EventLoginOK, "Signed in.")
		log.Info("Session ready.")

	case schemas.LoginCheckpoint:
		sess.setState(schemas.StateCheckpointRequired)
		log.Info("Security checkpoint detected.", zap.String("url", outcome.CheckpointURL))
		o.openCheckpoint(sess, creds, outcome.CheckpointURL)

	default:
		o.event(userID, schemas.EventLoginFailed, "The site rejected the stored credentials.")
		o.teardown(sess, schemas.StateFailed)
		return schemas.SessionStatus{}, schemas.ErrLoginFailed
	}

	return o.Status(userID), nil
}

// openCheckpoint issues a portal, notifies the user's clients and waits for
// resolution in the background. Timeout is terminal for the session.
func (o *Orchestrator) openCheckpoint(sess *Session, creds schemas.Credentials, checkpointURL string) {
	userID := sess.UserID
	portal, err := o.broker.OpenPortal(sess.ctx, userID, checkpointURL)
	if err != nil {
		// OpenPortal degrades internally; an error here means the broker
		// itself is gone. Treat like a manual portal with no token.
		o.logger.Warn("Portal broker failure, requiring manual checkpoint.",
			zap.String("user_id", userID), zap.Error(err))
	}

	if portal.ViewURL != "" {
		o.event(userID, schemas.EventCheckpointDetected, "Security checkpoint detected, remote view available.")
		o.notifier.Notify(userID, schemas.Envelope{
			Type: schemas.MsgCheckpointDetected,
			Data: schemas.CheckpointPayload{
				CheckpointURL: checkpointURL,
				ViewURL:       portal.ViewURL,
				Token:         portal.Token,
			},
		})
	} else {
		o.event(userID, schemas.EventCheckpointManual, "Security checkpoint detected, complete it manually on the site.")
		o.notifier.Notify(userID, schemas.Envelope{
			Type: schemas.MsgCheckpointManual,
			Data: schemas.CheckpointPayload{CheckpointURL: checkpointURL, Token: portal.Token},
		})
	}

	go o.awaitCheckpoint(sess, creds)
}

// awaitCheckpoint blocks on the portal's completion signal, then re-drives
// login to confirm resolution.
func (o *Orchestrator) awaitCheckpoint(sess *Session, creds schemas.Credentials) {
	userID := sess.UserID
	log := o.logger.With(zap.String("user_id", userID))

	err := o.broker.AwaitCompletion(sess.ctx, userID, o.cfg.CheckpointTimeout)
	o.broker.ClosePortal(userID)
	if err != nil {
		if errors.Is(err, schemas.ErrCheckpointTimeout) {
			log.Warn("Checkpoint resolution timed out, ending session.")
			o.event(userID, schemas.EventLoginFailed, "Checkpoint was not completed in time.")
		}
		o.EndSession(userID)
		return
	}

	o.notifier.Notify(userID, schemas.Envelope{Type: schemas.MsgCheckpointCompleted})

	// Back to Authenticating: confirm the checkpoint actually cleared.
	sess.setState(schemas.StateAuthenticating)
	sess.Touch()
	outcome, err := o.adapter.Login(sess.ctx, o.browserOf(sess), creds)
	if err != nil || outcome.Result != schemas.LoginOK {
		log.Warn("Login still blocked after checkpoint completion.", zap.Error(err))
		o.event(userID, schemas.EventLoginFailed, "Sign-in is still blocked after the checkpoint.")
		o.EndSession(userID)
		return
	}

	sess.setState(schemas.StateReady)
	sess.Touch()
	o.event(userID, schemas.EventCheckpointResolved, "Checkpoint resolved, signed in.")
	log.Info("Session ready after checkpoint.")
}

// EndSession tears the user's session down: outstanding question futures are
// rejected, the portal revoked, the browser closed and the registry entry
// removed, all before returning. Idempotent; unknown users are a no-op.
func (o *Orchestrator) EndSession(userID string) {
	sess := o.registry.Get(userID)
	if sess == nil {
		return
	}
	o.teardown(sess, schemas.StateFailed)
	o.event(userID, schemas.EventSessionEnded, "Session ended.")
}

// teardown releases every resource a session owns. Runs at most once per
// session; later calls return after the first completes.
func (o *Orchestrator) teardown(sess *Session, terminal schemas.SessionState) {
	sess.endOnce.Do(func() {
		sess.setState(terminal)
		sess.cancel()
		o.channel.CancelUser(sess.UserID)
		o.broker.ClosePortal(sess.UserID)

		if browser := o.browserOf(sess); browser != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := browser.Close(closeCtx); err != nil {
				o.logger.Warn("Browser close failed during teardown.",
					zap.String("user_id", sess.UserID), zap.Error(err))
			}
		}
		o.registry.Remove(sess.UserID)
		o.logger.Info("Session torn down.", zap.String("user_id", sess.UserID))
	})
}

func (o *Orchestrator) browserOf(sess *Session) schemas.BrowserHandle {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.browser
}

// Status reports the externally visible snapshot for the user. Unknown users
// are simply inactive.
func (o *Orchestrator) Status(userID string) schemas.SessionStatus {
	sess := o.registry.Get(userID)
	if sess == nil {
		return schemas.SessionStatus{State: schemas.StateIdle}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return schemas.SessionStatus{
		Active:           true,
		LoggedIn:         sess.state == schemas.StateReady || sess.state == schemas.StateBusy,
		BrowserRunning:   sess.browser != nil,
		State:            sess.state,
		PendingQuestions: o.channel.PendingCount(userID),
		Progress:         sess.progress,
	}
}

// Apply runs one application task on the user's session: quota gate,
// navigation, the strictly ordered question loop, then terminal-state
// detection. Task failures are reported and leave the session Ready; only a
// dead browser fails the session itself.
func (o *Orchestrator) Apply(ctx context.Context, userID, jobURL string) (schemas.ApplyResult, error) {
	sess := o.registry.Get(userID)
	if sess == nil {
		return schemas.ApplyResult{}, schemas.ErrNoSession
	}
	if err := sess.beginTask(); err != nil {
		return schemas.ApplyResult{}, err
	}

	if err := o.limiter.CheckAndReserve(ctx, userID); err != nil {
		sess.endTask(false)
		return schemas.ApplyResult{}, err
	}

	result, taskErr := o.runApplication(sess, jobURL)
	if taskErr != nil {
		// A failed application never consumes quota.
		if relErr := o.limiter.Release(context.Background(), userID); relErr != nil {
			o.logger.Warn("Failed to release quota reservation.",
				zap.String("user_id", userID), zap.Error(relErr))
		}

		if sess.ctx.Err() != nil {
			// Browser/session died mid-task. Terminal; never silently
			// retried, a retry loop against a wedged site risks lockout.
			o.event(userID, schemas.EventTaskFailed, "The browser session was lost mid-application.")
			o.teardown(sess, schemas.StateFailed)
			return schemas.ApplyResult{}, fmt.Errorf("session lost: %w", taskErr)
		}

		sess.endTask(false)
		result = schemas.ApplyResult{Status: "error", Message: taskErr.Error(), Answered: result.Answered}
		o.event(userID, schemas.EventTaskFailed, "Application failed: "+taskErr.Error())
		o.notifier.Notify(userID, schemas.Envelope{
			Type: schemas.MsgApplicationComplete,
			Data: schemas.CompletionPayload{Status: "error", Message: result.Message},
		})
		return result, nil
	}

	sess.endTask(false)
	o.event(userID, schemas.EventApplied, result.Message)
	o.notifier.Notify(userID, schemas.Envelope{
		Type: schemas.MsgApplicationComplete,
		Data: schemas.CompletionPayload{Status: result.Status, Message: result.Message},
	})
	return result, nil
}

// runApplication drives the in-page flow. Questions are relayed one at a
// time in extraction order; the page is re-extracted after every answer since
// later questions can be conditionally rendered by earlier ones.
func (o *Orchestrator) runApplication(sess *Session, jobURL string) (schemas.ApplyResult, error) {
	userID := sess.UserID
	browser := o.browserOf(sess)
	ctx := sess.ctx

	o.event(userID, schemas.EventTaskStarted, "Opening the job posting.")
	sess.setProgress("opening application")
	if err := o.adapter.OpenApplication(ctx, browser, jobURL); err != nil {
		return schemas.ApplyResult{}, fmt.Errorf("%w: open application: %v", schemas.ErrPageAdapter, err)
	}
	sess.Touch()

	answered := 0
	seen := make(map[string]bool)

	for step := 0; step < maxFlowSteps; step++ {
		terminal, err := o.adapter.DetectTerminalState(ctx, browser)
		if err != nil {
			return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: terminal detection: %v", schemas.ErrPageAdapter, err)
		}
		switch terminal {
		case schemas.TerminalApplied:
			sess.setProgress("applied")
			return schemas.ApplyResult{Status: "applied", Message: "Application submitted.", Answered: answered}, nil
		case schemas.TerminalClosed:
			return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: the posting is closed", schemas.ErrPageAdapter)
		case schemas.TerminalError:
			return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: the site reported an error", schemas.ErrPageAdapter)
		}

		questions, err := o.adapter.ExtractQuestions(ctx, browser)
		if err != nil {
			return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: extract questions: %v", schemas.ErrPageAdapter, err)
		}

		progressed := false
		for _, q := range questions {
			if seen[q.Text] {
				continue
			}
			sess.setProgress("waiting for answer: " + q.Text)
			o.event(userID, schemas.EventQuestionPending, q.Text)

			value, err := o.channel.Ask(ctx, userID, q)
			if err != nil {
				return schemas.ApplyResult{Answered: answered}, err
			}
			sess.Touch()

			if err := o.adapter.ApplyAnswer(ctx, browser, q, value); err != nil {
				return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: apply answer: %v", schemas.ErrPageAdapter, err)
			}
			seen[q.Text] = true
			answered++
			o.event(userID, schemas.EventQuestionAnswered, q.Text)

			if err := o.answers.Append(ctx, userID, schemas.Answer{
				QuestionText: q.Text,
				Value:        value,
				AnsweredAt:   time.Now(),
			}); err != nil {
				o.logger.Warn("Failed to record answer history.",
					zap.String("user_id", userID), zap.Error(err))
			}

			// Re-extract before answering anything further; this answer may
			// have changed which questions exist.
			progressed = true
			break
		}
		if progressed {
			continue
		}

		sess.setProgress("advancing application")
		if err := o.adapter.Advance(ctx, browser); err != nil {
			return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: advance: %v", schemas.ErrPageAdapter, err)
		}
		sess.Touch()
	}

	return schemas.ApplyResult{Answered: answered}, fmt.Errorf("%w: application flow did not terminate", schemas.ErrPageAdapter)
}

// SubmitAnswer relays a client's answer into the Q&A channel. The sender's
// identity comes from the authenticated connection; answers that cannot be
// attributed to a user with a pending question are dropped, never applied to
// someone else's session.
func (o *Orchestrator) SubmitAnswer(userID, value string) {
	if sess := o.registry.Get(userID); sess != nil {
		sess.Touch()
	}
	o.channel.SubmitAnswer(userID, value)
}

// ClaimDailyReward is the engagement hook growing the user's streak.
func (o *Orchestrator) ClaimDailyReward(ctx context.Context, userID string) (int, error) {
	return o.limiter.ClaimDailyReward(ctx, userID)
}

// ReapStale ends every session idle past the configured threshold.
func (o *Orchestrator) ReapStale() {
	cutoff := time.Now().Add(-o.cfg.IdleTimeout)
	for _, sess := range o.registry.List() {
		if sess.IdleSince().Before(cutoff) {
			o.logger.Info("Reaping stale session.",
				zap.String("user_id", sess.UserID),
				zap.Time("last_activity", sess.IdleSince()))
			o.EndSession(sess.UserID)
		}
	}
}

// Run drives the idle-session reaper until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ReapStale()
		}
	}
}

// Shutdown ends every live session concurrently and waits for full teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, sess := range o.registry.List() {
		g.Go(func() error {
			o.EndSession(sess.UserID)
			return nil
		})
	}
	return g.Wait()
}

// event emits a tagged progress notification on the real-time channel.
func (o *Orchestrator) event(userID string, kind schemas.EventKind, message string) {
	o.notifier.Notify(userID, schemas.Envelope{
		Type: schemas.MsgProgress,
		Data: schemas.Event{Kind: kind, Message: message},
	})
}
