package schemas

// EventKind is a tagged progress event emitted directly by automation steps.
// State is never inferred from log text; every consumer branches on the tag.
type EventKind string

const (
	EventSessionStarted     EventKind = "SESSION_STARTED"
	EventLoginOK            EventKind = "LOGIN_OK"
	EventLoginFailed        EventKind = "LOGIN_FAILED"
	EventCheckpointDetected EventKind = "CHECKPOINT_DETECTED"
	EventCheckpointManual   EventKind = "CHECKPOINT_MANUAL"
	EventCheckpointResolved EventKind = "CHECKPOINT_RESOLVED"
	EventTaskStarted        EventKind = "TASK_STARTED"
	EventQuestionPending    EventKind = "QUESTION_PENDING"
	EventQuestionAnswered   EventKind = "QUESTION_ANSWERED"
	EventApplied            EventKind = "APPLIED"
	EventTaskFailed         EventKind = "TASK_FAILED"
	EventSessionEnded       EventKind = "SESSION_ENDED"
)

// Event is one progress notification for a user's session.
type Event struct {
	Kind    EventKind `json:"kind"`
	UserID  string    `json:"-"`
	Message string    `json:"message,omitempty"`
	URL     string    `json:"url,omitempty"`
}

// Message type constants for the real-time envelope.
const (
	MsgSessionConnect      = "session_connect"
	MsgSessionConnected    = "session_connected"
	MsgAnswer              = "answer"
	MsgQuestion            = "question"
	MsgProgress            = "progress"
	MsgApplicationComplete = "application_completed"
	MsgCheckpointDetected  = "checkpoint_detected"
	MsgCheckpointManual    = "checkpoint_manual_required"
	MsgCheckpointCompleted = "checkpoint_portal_completed"
)

// Envelope is the wire format for every real-time message, both directions.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ConnectPayload is the client's first message on the websocket.
type ConnectPayload struct {
	UserID string `json:"userId"`
}

// AnswerPayload carries the client's answer to the current pending question.
type AnswerPayload struct {
	Answer string `json:"answer"`
}

// CompletionPayload reports the outcome of an application task.
type CompletionPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CheckpointPayload announces a detected checkpoint and, when a portal could
// be opened, where a human can take over the browser.
type CheckpointPayload struct {
	CheckpointURL string `json:"checkpointUrl,omitempty"`
	ViewURL       string `json:"viewUrl,omitempty"`
	Token         string `json:"token,omitempty"`
}
