// Package transport abstracts "send one operation to the exam server".
// The sync engine only depends on the Adapter contract and the
// retryable/terminal error taxonomy; the production implementation speaks
// HTTP for session bootstrap and a WebSocket action stream for the exam.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-client/internal/model"
)

// Adapter is the boundary between the sync core and the network.
type Adapter interface {
	// Login exchanges student credentials for a session token.
	Login(ctx context.Context, nisn, password string) (string, error)

	// StartAttempt joins an exam and returns the attempt id plus the
	// server-issued absolute deadline.
	StartAttempt(ctx context.Context, examID uuid.UUID, entryToken string) (model.AttemptSession, error)

	// SendAnswer delivers one coalesced answer upsert.
	SendAnswer(ctx context.Context, p model.AnswerPayload) error

	// SendProctoringEvent delivers one integrity event.
	SendProctoringEvent(ctx context.Context, e model.ProctoringEvent) error

	// SubmitAttempt finalizes the attempt on the server.
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID) error

	// ServerTime returns the server's current absolute time.
	ServerTime(ctx context.Context) (time.Time, error)

	// Ping probes connectivity. Used by the engine's offline heartbeat.
	Ping(ctx context.Context) error
}

// RetryableError marks a transient failure: timeout, 5xx, connection loss.
// The engine retries these with backoff. Connectivity reports whether the
// failure indicates the link itself is down, which flips the engine offline.
type RetryableError struct {
	Cause        error
	Connectivity bool
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable transport error: %v", e.Cause)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// TerminalError marks a server-side rejection (validation, auth, attempt
// already submitted). Never retried.
type TerminalError struct {
	Code  string
	Cause error
}

func (e *TerminalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("terminal transport error [%s]: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("terminal transport error [%s]", e.Code)
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err should re-enter the backoff path.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsConnectivityLoss reports whether err indicates the network link is down.
func IsConnectivityLoss(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) && re.Connectivity
}

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	return &RetryableError{Cause: err}
}

// ConnectivityLoss wraps err as a transient, link-down failure.
func ConnectivityLoss(err error) error {
	return &RetryableError{Cause: err, Connectivity: true}
}

// Terminal wraps err as a non-retryable rejection.
func Terminal(code string, err error) error {
	return &TerminalError{Code: code, Cause: err}
}
