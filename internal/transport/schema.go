package transport

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
	ActionCheat    Action = "cheat"
)

// AutosaveRequest saves a single answer. The answer value travels as its
// JSON encoding in the ans field.
type AutosaveRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Answer string `json:"ans"`
}

// CheatRequest reports one integrity event; payload is the event's JSON.
type CheatRequest struct {
	Action  Action `json:"action"`
	Payload string `json:"payload"`
}

// SubmitRequest finishes the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// PingRequest probes the stream.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSuccess Event = "success"
	EventGraded  Event = "graded"
	EventPong    Event = "pong"
)

// EventEnvelope is used to peek at the event before full parsing.
type EventEnvelope struct {
	Event  Event  `json:"event"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}
