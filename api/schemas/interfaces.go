package schemas

import (
	"context"
	"time"
)

// -- External collaborator contracts --

// CredentialVault supplies decrypted site credentials per user. The storage
// and encryption format is outside this service.
type CredentialVault interface {
	Get(ctx context.Context, userID string) (Credentials, error)
}

// Page exposes the browser primitives a PageAdapter may use. It is the only
// surface an adapter sees; the underlying tab is not safe for concurrent
// command issuance, so callers serialize access per session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	ExecuteScript(ctx context.Context, script string, out interface{}) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
}

// PageAdapter isolates every site-specific DOM interaction behind an explicit
// contract. Implementations use ordered fallback selector strategies
// internally; callers never depend on which strategy succeeded.
type PageAdapter interface {
	// Login signs the page in and reports OK, a checkpoint interception
	// (with the checkpoint URL), or failure.
	Login(ctx context.Context, page Page, creds Credentials) (LoginOutcome, error)

	// OpenApplication navigates to the job posting and starts the in-page
	// application flow.
	OpenApplication(ctx context.Context, page Page, jobURL string) error

	// ExtractQuestions returns the currently rendered form questions in
	// document order. Later questions may be conditionally rendered, so the
	// list is re-extracted after each answer.
	ExtractQuestions(ctx context.Context, page Page) ([]Question, error)

	// ApplyAnswer fills the given answer into the question's control.
	ApplyAnswer(ctx context.Context, page Page, q Question, answer string) error

	// Advance moves to the next step of the flow (next page or submit).
	Advance(ctx context.Context, page Page) error

	// DetectTerminalState reports whether the flow reached a terminal page.
	DetectTerminalState(ctx context.Context, page Page) (TerminalState, error)
}

// -- Injected stores (no ambient module state; see design notes) --

// AnswerStore is the append-only per-user answer history used for suggestion
// lookups. Implementations must tolerate concurrent per-key access.
type AnswerStore interface {
	Append(ctx context.Context, userID string, a Answer) error
	History(ctx context.Context, userID string) ([]Answer, error)
}

// UsageStore persists DailyUsage rows, one per user per day.
type UsageStore interface {
	Get(ctx context.Context, userID string) (DailyUsage, error)
	Put(ctx context.Context, u DailyUsage) error
}

// -- Internal component seams --

// BrowserHandle is one exclusively owned browser instance. Close is safe to
// call more than once and must release the underlying process.
type BrowserHandle interface {
	Page
	Close(ctx context.Context) error
}

// BrowserLauncher creates browser instances. Each session owns exactly one.
type BrowserLauncher interface {
	Launch(ctx context.Context, userID string) (BrowserHandle, error)
}

// DisplayBroker manages tokened remote-view portals onto live browsers.
type DisplayBroker interface {
	// OpenPortal issues a portal for the user. On display-stack failure it
	// returns a manual portal (empty ViewURL) instead of an error.
	OpenPortal(ctx context.Context, userID, currentURL string) (Portal, error)

	// AwaitCompletion blocks until the portal's done signal or the timeout.
	AwaitCompletion(ctx context.Context, userID string, timeout time.Duration) error

	// ClosePortal revokes the token and tears down display resources.
	// Idempotent.
	ClosePortal(userID string)
}

// Notifier fans progress out to the user's connected real-time clients.
type Notifier interface {
	Notify(userID string, env Envelope)
}
