package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind enumerates the kinds of pending operations the local queue holds.
type OpKind string

const (
	OpAnswerUpsert    OpKind = "ANSWER_UPSERT"
	OpProctoringEvent OpKind = "PROCTORING_EVENT"
	OpSubmitAttempt   OpKind = "SUBMIT_ATTEMPT"
)

// OpState enumerates pending operation lifecycle states.
type OpState string

const (
	OpStatePending   OpState = "PENDING"
	OpStateInFlight  OpState = "IN_FLIGHT"
	OpStateAbandoned OpState = "ABANDONED"
)

// PendingOperation is one durable write waiting to reach the server.
// Records are owned exclusively by the queue store; other components only
// see copies.
type PendingOperation struct {
	Key           string    `json:"key"`
	Kind          OpKind    `json:"kind"`
	Payload       []byte    `json:"payload,omitempty"`
	Sequence      int64     `json:"sequence"`
	Attempts      int       `json:"attempts"`
	State         OpState   `json:"state"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AnswerKey builds the coalescing key for an answer upsert. One key per
// (attempt, question) pair, so a later edit supersedes the queued one.
func AnswerKey(attemptID, questionID uuid.UUID) string {
	return fmt.Sprintf("ans:%s:%s", attemptID, questionID)
}

// ProctorKey builds a unique key for a proctoring event. Events are never
// coalesced, so every event gets its own id.
func ProctorKey(eventID uuid.UUID) string {
	return fmt.Sprintf("evt:%s", eventID)
}

// SubmitKey builds the key for the terminal submit operation of an attempt.
// Keyed per attempt so a duplicate zero-crossing coalesces into one submit.
func SubmitKey(attemptID uuid.UUID) string {
	return fmt.Sprintf("submit:%s", attemptID)
}

// QueueStats reports per-state operation counts for UI indicators.
type QueueStats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Abandoned int `json:"abandoned"`
}

// Total returns the number of operations still tracked by the queue.
func (s QueueStats) Total() int {
	return s.Pending + s.InFlight + s.Abandoned
}

// Settled reports whether everything enqueued so far has been delivered.
func (s QueueStats) Settled() bool {
	return s.Pending == 0 && s.InFlight == 0
}
