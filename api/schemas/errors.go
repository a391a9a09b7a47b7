package schemas

import "errors"

// Sentinel errors shared across the service. Callers match them with
// errors.Is; components wrap them with fmt.Errorf("...: %w", ...) to add
// context without breaking identity.
var (
	// ErrAlreadyActive is returned when a session already exists for the user.
	ErrAlreadyActive = errors.New("session already active for user")

	// ErrCredentialsMissing is returned when the vault has no credentials
	// for the user.
	ErrCredentialsMissing = errors.New("no stored credentials for user")

	// ErrLoginFailed is returned when the site rejected the credentials.
	ErrLoginFailed = errors.New("site login failed")

	// ErrCheckpointTimeout is returned when a security checkpoint was not
	// resolved within the allowed window.
	ErrCheckpointTimeout = errors.New("checkpoint resolution timed out")

	// ErrSessionBusy is returned when a task is invoked while another task
	// is running on the same session.
	ErrSessionBusy = errors.New("session is busy with another task")

	// ErrNoSession is returned when an operation targets a user with no
	// active session.
	ErrNoSession = errors.New("no active session for user")

	// ErrChannelTimeout is returned when no answer arrived for a relayed
	// question within the bounded wait.
	ErrChannelTimeout = errors.New("timed out waiting for answer")

	// ErrLimitExceeded is returned by the rate limiter when the daily quota
	// is exhausted.
	ErrLimitExceeded = errors.New("daily application limit exceeded")

	// ErrPageAdapter wraps site-interaction failures reported by the adapter.
	ErrPageAdapter = errors.New("page adapter failure")

	// ErrPortalUnavailable signals the virtual display stack could not start.
	// Non-fatal: checkpoint handling degrades to manual instructions.
	ErrPortalUnavailable = errors.New("checkpoint portal unavailable")

	// ErrPortalNotFound is returned for unknown, expired or revoked portal
	// tokens.
	ErrPortalNotFound = errors.New("portal not found")
)
