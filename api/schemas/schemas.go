package schemas

import "time"

// SessionState describes where a session is in its lifecycle. Transitions are
// driven exclusively by the orchestrator; everything else only reads the state.
type SessionState string

const (
	StateIdle               SessionState = "IDLE"
	StateAuthenticating     SessionState = "AUTHENTICATING"
	StateCheckpointRequired SessionState = "CHECKPOINT_REQUIRED"
	StateReady              SessionState = "READY"
	StateBusy               SessionState = "BUSY"
	StateFailed             SessionState = "FAILED"
)

// QuestionKind classifies a form question surfaced during an application.
type QuestionKind string

const (
	QuestionSingleChoice QuestionKind = "single-choice"
	QuestionFreeText     QuestionKind = "free-text"
	QuestionNumeric      QuestionKind = "numeric"
)

// Question is a single application-form question extracted from the page.
// Immutable once created; it is consumed exactly once by the Q&A channel.
type Question struct {
	Text            string       `json:"text"`
	Kind            QuestionKind `json:"type"`
	Options         []string     `json:"options,omitempty"`
	SuggestedAnswer string       `json:"suggestedAnswer,omitempty"`
}

// Answer is one entry of a user's append-only answer history.
type Answer struct {
	QuestionText string    `json:"questionText"`
	Value        string    `json:"answerValue"`
	AnsweredAt   time.Time `json:"answeredAt"`
}

// Credentials are the decrypted site credentials for one user, supplied by the
// external vault. Never persisted by this service.
type Credentials struct {
	Identity string
	Secret   string
}

// LoginResult enumerates how a login attempt concluded.
type LoginResult string

const (
	LoginOK         LoginResult = "OK"
	LoginCheckpoint LoginResult = "CHECKPOINT"
	LoginFailure    LoginResult = "FAILED"
)

// LoginOutcome is the result of a PageAdapter login attempt.
type LoginOutcome struct {
	Result        LoginResult
	CheckpointURL string // set only when Result == LoginCheckpoint
}

// TerminalState is what the adapter reports once an application flow can no
// longer advance.
type TerminalState string

const (
	TerminalNone    TerminalState = ""
	TerminalApplied TerminalState = "APPLIED"
	TerminalClosed  TerminalState = "CLOSED"
	TerminalError   TerminalState = "ERROR"
)

// Portal describes an open checkpoint portal: a tokened, TTL-bounded
// remote-view handle onto a session's live browser.
type Portal struct {
	Token     string    `json:"token"`
	UserID    string    `json:"-"`
	ViewURL   string    `json:"viewUrl,omitempty"` // empty in degraded manual mode
	ExpiresAt time.Time `json:"expiresAt"`
}

// DailyUsage is one user's quota row for a calendar day. Date is a local
// YYYY-MM-DD string; comparisons use it, never process wall clock directly.
type DailyUsage struct {
	UserID                string
	Date                  string
	CountUsed             int
	Streak                int
	LastRewardClaimedDate string
}

// SessionStatus is the externally visible snapshot of a session.
type SessionStatus struct {
	Active           bool         `json:"active"`
	LoggedIn         bool         `json:"loggedIn"`
	BrowserRunning   bool         `json:"browserRunning"`
	State            SessionState `json:"state"`
	PendingQuestions int          `json:"pendingQuestions"`
	Progress         string       `json:"progress"`
}

// ApplyResult summarizes one application attempt.
type ApplyResult struct {
	Status   string `json:"status"` // "applied" | "error"
	Message  string `json:"message"`
	Answered int    `json:"answered"`
}
