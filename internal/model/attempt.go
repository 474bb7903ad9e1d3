package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates local attempt lifecycle states.
type AttemptStatus string

const (
	AttemptInProgress  AttemptStatus = "IN_PROGRESS"
	AttemptSubmitted   AttemptStatus = "SUBMITTED"
	AttemptTimeExpired AttemptStatus = "TIME_EXPIRED"
)

// AttemptSession is the client-side record of one timed exam attempt. The
// deadline is server-issued and absolute; ClockOffset is server time minus
// local time as measured at the last re-sync, so the true remaining time is
// Deadline - (localNow + ClockOffset) regardless of local clock drift.
type AttemptSession struct {
	AttemptID   uuid.UUID     `json:"attempt_id"`
	ExamID      uuid.UUID     `json:"exam_id"`
	Token       string        `json:"token"`
	Deadline    time.Time     `json:"deadline"`
	ClockOffset time.Duration `json:"clock_offset"`
	StartedAt   time.Time     `json:"started_at"`
	Status      AttemptStatus `json:"status"`
}

// Remaining computes the authoritative remaining time at the given local
// instant. Never negative.
func (s AttemptSession) Remaining(localNow time.Time) time.Duration {
	r := s.Deadline.Sub(localNow.Add(s.ClockOffset))
	if r < 0 {
		return 0
	}
	return r
}
