package qa

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// pending is one relayed question waiting for its answer.
type pending struct {
	question schemas.Question
	result   chan string
}

// Channel runs the turn-based question/answer protocol: per user, at most one
// question is ever outstanding, and questions go out strictly in the order
// they were asked. Later questions may be conditionally rendered from earlier
// answers, so reordering or parallel dispatch is never allowed.
type Channel struct {
	answers  schemas.AnswerStore
	notifier schemas.Notifier
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	current map[string]*pending   // head question per user, already transmitted
	queued  map[string][]*pending // not yet transmitted
}

// NewChannel creates a channel. answers is consulted read-only for
// suggestions; timeout bounds every Ask.
func NewChannel(answers schemas.AnswerStore, notifier schemas.Notifier, timeout time.Duration, logger *zap.Logger) *Channel {
	return &Channel{
		answers:  answers,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.Named("qa"),
		current:  make(map[string]*pending),
		queued:   make(map[string][]*pending),
	}
}

// Ask relays a question to the user and blocks until the answer arrives, the
// bounded wait elapses (ErrChannelTimeout), or ctx is cancelled. If a question
// is already outstanding for the user the new one queues behind it; only the
// head of the queue is ever transmitted.
func (c *Channel) Ask(ctx context.Context, userID string, q schemas.Question) (string, error) {
	if q.SuggestedAnswer == "" {
		if suggestion, ok := c.lookupSuggestion(ctx, userID, q.Text); ok {
			q.SuggestedAnswer = suggestion
		}
	}

	p := &pending{question: q, result: make(chan string, 1)}

	c.mu.Lock()
	if c.current[userID] == nil {
		c.current[userID] = p
		c.transmitLocked(userID, p)
	} else {
		c.queued[userID] = append(c.queued[userID], p)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case value, ok := <-p.result:
		if !ok {
			return "", schemas.ErrNoSession
		}
		return value, nil
	case <-timer.C:
		c.drop(userID, p)
		return "", schemas.ErrChannelTimeout
	case <-ctx.Done():
		c.drop(userID, p)
		return "", ctx.Err()
	}
}

// SubmitAnswer resolves the user's current pending question. An answer with
// no matching pending question is discarded with a warning: transports may
// reconnect and duplicate, so availability wins over strictness here. Answers
// are never applied to another user's session.
func (c *Channel) SubmitAnswer(userID, value string) {
	c.mu.Lock()
	p := c.current[userID]
	if p == nil {
		c.mu.Unlock()
		c.logger.Warn("Discarding answer with no pending question.", zap.String("user_id", userID))
		return
	}
	c.advanceLocked(userID)
	c.mu.Unlock()

	p.result <- value
}

// PendingCount reports how many questions are outstanding for the user,
// including the transmitted head.
func (c *Channel) PendingCount(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queued[userID])
	if c.current[userID] != nil {
		n++
	}
	return n
}

// CancelUser rejects every outstanding question for the user. Called on
// session teardown so no Ask is left suspended.
func (c *Channel) CancelUser(userID string) {
	c.mu.Lock()
	p := c.current[userID]
	queue := c.queued[userID]
	delete(c.current, userID)
	delete(c.queued, userID)
	c.mu.Unlock()

	if p != nil {
		close(p.result)
	}
	for _, qp := range queue {
		close(qp.result)
	}
}

// drop removes a timed-out or cancelled question and, if it was the head,
// promotes the next queued question.
func (c *Channel) drop(userID string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current[userID] == p {
		c.advanceLocked(userID)
		return
	}
	queue := c.queued[userID]
	for i, qp := range queue {
		if qp == p {
			c.queued[userID] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// advanceLocked retires the current head and transmits the next queued
// question, if any. Caller holds c.mu.
func (c *Channel) advanceLocked(userID string) {
	queue := c.queued[userID]
	if len(queue) == 0 {
		delete(c.current, userID)
		delete(c.queued, userID)
		return
	}
	next := queue[0]
	c.queued[userID] = queue[1:]
	c.current[userID] = next
	c.transmitLocked(userID, next)
}

// transmitLocked pushes the question envelope to the user's clients. Caller
// holds c.mu.
func (c *Channel) transmitLocked(userID string, p *pending) {
	c.notifier.Notify(userID, schemas.Envelope{
		Type: schemas.MsgQuestion,
		Data: p.question,
	})
}
