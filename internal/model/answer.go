package model

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// AnswerType discriminates the AnswerValue union.
type AnswerType string

const (
	AnswerChoice  AnswerType = "choice"
	AnswerText    AnswerType = "text"
	AnswerNumeric AnswerType = "numeric"
	AnswerBoolean AnswerType = "boolean"
	AnswerFile    AnswerType = "file"
)

var ErrInvalidAnswer = errors.New("answer value must populate exactly the variant named by its type")

// AnswerValue is a tagged union over the supported answer payloads.
// Exactly one variant is populated, matching Type. Values are immutable once
// wrapped in a PendingOperation; a new edit produces a new value.
type AnswerValue struct {
	Type     AnswerType `json:"type"`
	ChoiceID *uuid.UUID `json:"choice_id,omitempty"`
	Text     *string    `json:"text,omitempty"`
	Numeric  *float64   `json:"numeric,omitempty"`
	Boolean  *bool      `json:"boolean,omitempty"`
	FileRef  *string    `json:"file_ref,omitempty"`
}

// Validate checks that exactly the variant named by Type is set.
func (v AnswerValue) Validate() error {
	populated := 0
	for _, set := range []bool{v.ChoiceID != nil, v.Text != nil, v.Numeric != nil, v.Boolean != nil, v.FileRef != nil} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return ErrInvalidAnswer
	}
	var ok bool
	switch v.Type {
	case AnswerChoice:
		ok = v.ChoiceID != nil
	case AnswerText:
		ok = v.Text != nil
	case AnswerNumeric:
		ok = v.Numeric != nil
	case AnswerBoolean:
		ok = v.Boolean != nil
	case AnswerFile:
		ok = v.FileRef != nil
	}
	if !ok {
		return ErrInvalidAnswer
	}
	return nil
}

// AnswerPayload is the queue payload for an OpAnswerUpsert operation.
type AnswerPayload struct {
	AttemptID  uuid.UUID   `json:"attempt_id"`
	QuestionID uuid.UUID   `json:"question_id"`
	Value      AnswerValue `json:"value"`
}

// Marshal encodes the payload for durable storage.
func (p AnswerPayload) Marshal() ([]byte, error) {
	if err := p.Value.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeAnswerPayload decodes a stored OpAnswerUpsert payload.
func DecodeAnswerPayload(data []byte) (AnswerPayload, error) {
	var p AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return AnswerPayload{}, err
	}
	return p, nil
}
