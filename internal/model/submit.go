package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SubmitReason records what triggered the terminal submit.
type SubmitReason string

const (
	SubmitByStudent  SubmitReason = "student"
	SubmitByDeadline SubmitReason = "deadline"
)

// SubmitPayload is the queue payload for an OpSubmitAttempt operation.
type SubmitPayload struct {
	AttemptID uuid.UUID    `json:"attempt_id"`
	Reason    SubmitReason `json:"reason"`
}

// Marshal encodes the payload for durable storage.
func (p SubmitPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeSubmitPayload decodes a stored OpSubmitAttempt payload.
func DecodeSubmitPayload(data []byte) (SubmitPayload, error) {
	var p SubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return SubmitPayload{}, err
	}
	return p, nil
}
