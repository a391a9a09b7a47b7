package qa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/store"
)

// recordingNotifier captures every envelope sent per user.
type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]schemas.Envelope
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][]schemas.Envelope)}
}

func (n *recordingNotifier) Notify(userID string, env schemas.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[userID] = append(n.sent[userID], env)
}

func (n *recordingNotifier) questions(userID string) []schemas.Question {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []schemas.Question
	for _, env := range n.sent[userID] {
		if env.Type == schemas.MsgQuestion {
			out = append(out, env.Data.(schemas.Question))
		}
	}
	return out
}

func newTestChannel(t *testing.T, timeout time.Duration) (*Channel, *recordingNotifier, *store.MemoryAnswers) {
	t.Helper()
	answers := store.NewMemoryAnswers()
	notifier := newRecordingNotifier()
	return NewChannel(answers, notifier, timeout, zap.NewNop()), notifier, answers
}

func TestAskAndSubmit(t *testing.T) {
	ch, notifier, _ := newTestChannel(t, time.Second)

	done := make(chan string, 1)
	go func() {
		value, err := ch.Ask(context.Background(), "u1", schemas.Question{Text: "Years of experience?", Kind: schemas.QuestionNumeric})
		require.NoError(t, err)
		done <- value
	}()

	// Wait for the question to be transmitted before answering.
	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 1
	}, time.Second, 10*time.Millisecond)

	ch.SubmitAnswer("u1", "5")
	select {
	case value := <-done:
		assert.Equal(t, "5", value)
	case <-time.After(time.Second):
		t.Fatal("Ask did not resolve after SubmitAnswer")
	}
	assert.Equal(t, 0, ch.PendingCount("u1"))
}

func TestStrictOrdering(t *testing.T) {
	// Q2 must never be transmitted before Q1's answer is received.
	ch, notifier, _ := newTestChannel(t, 2*time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	results := make([]string, 2)

	go func() {
		defer wg.Done()
		v, err := ch.Ask(context.Background(), "u1", schemas.Question{Text: "Q1", Kind: schemas.QuestionFreeText})
		require.NoError(t, err)
		results[0] = v
	}()
	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 1
	}, time.Second, 10*time.Millisecond)

	go func() {
		defer wg.Done()
		v, err := ch.Ask(context.Background(), "u1", schemas.Question{Text: "Q2", Kind: schemas.QuestionFreeText})
		require.NoError(t, err)
		results[1] = v
	}()

	// Q2 queues behind Q1; only Q1 is on the wire.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, notifier.questions("u1"), 1)
	assert.Equal(t, "Q1", notifier.questions("u1")[0].Text)
	assert.Equal(t, 2, ch.PendingCount("u1"))

	ch.SubmitAnswer("u1", "a1")
	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Q2", notifier.questions("u1")[1].Text)

	ch.SubmitAnswer("u1", "a2")
	wg.Wait()
	assert.Equal(t, []string{"a1", "a2"}, results)
}

func TestAskTimeout(t *testing.T) {
	ch, _, _ := newTestChannel(t, 50*time.Millisecond)

	_, err := ch.Ask(context.Background(), "u1", schemas.Question{Text: "Q", Kind: schemas.QuestionFreeText})
	require.ErrorIs(t, err, schemas.ErrChannelTimeout)
	assert.Equal(t, 0, ch.PendingCount("u1"))

	// A late answer after the timeout is discarded, not applied elsewhere.
	ch.SubmitAnswer("u1", "too late")
}

func TestSubmitWithoutPendingIsDiscarded(t *testing.T) {
	ch, _, _ := newTestChannel(t, time.Second)
	// Must not panic or block.
	ch.SubmitAnswer("ghost", "value")
	assert.Equal(t, 0, ch.PendingCount("ghost"))
}

func TestCancelUserRejectsOutstanding(t *testing.T) {
	ch, notifier, _ := newTestChannel(t, 5*time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Ask(context.Background(), "u1", schemas.Question{Text: "Q", Kind: schemas.QuestionFreeText})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 1
	}, time.Second, 10*time.Millisecond)

	ch.CancelUser("u1")
	select {
	case err := <-errs:
		require.ErrorIs(t, err, schemas.ErrNoSession)
	case <-time.After(time.Second):
		t.Fatal("Ask was not rejected by CancelUser")
	}
}

func TestAskContextCancellation(t *testing.T) {
	ch, notifier, _ := newTestChannel(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Ask(ctx, "u1", schemas.Question{Text: "Q", Kind: schemas.QuestionFreeText})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Ask did not observe context cancellation")
	}
	assert.Equal(t, 0, ch.PendingCount("u1"))
}

func TestSuggestionFromExactHistoryMatch(t *testing.T) {
	ch, notifier, answers := newTestChannel(t, time.Second)

	require.NoError(t, answers.Append(context.Background(), "u1", schemas.Answer{
		QuestionText: "Do you require visa sponsorship?",
		Value:        "No",
		AnsweredAt:   time.Now(),
	}))

	go func() {
		// The suggestion is attached but never auto-submitted; the Ask still
		// waits for an explicit answer.
		_, _ = ch.Ask(context.Background(), "u1", schemas.Question{
			Text: "Do you require visa sponsorship?",
			Kind: schemas.QuestionSingleChoice,
			Options: []string{"Yes", "No"},
		})
	}()

	require.Eventually(t, func() bool {
		return len(notifier.questions("u1")) == 1
	}, time.Second, 10*time.Millisecond)

	q := notifier.questions("u1")[0]
	assert.Equal(t, "No", q.SuggestedAnswer)
	// Still pending: nothing answered it.
	assert.Equal(t, 1, ch.PendingCount("u1"))
	ch.SubmitAnswer("u1", "No")
}
