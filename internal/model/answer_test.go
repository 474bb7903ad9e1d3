package model

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestAnswerValueValidate(t *testing.T) {
	text := "jawaban"
	num := 42.5
	yes := true
	choice := uuid.New()
	ref := "uploads/foto.jpg"

	valid := []AnswerValue{
		{Type: AnswerChoice, ChoiceID: &choice},
		{Type: AnswerText, Text: &text},
		{Type: AnswerNumeric, Numeric: &num},
		{Type: AnswerBoolean, Boolean: &yes},
		{Type: AnswerFile, FileRef: &ref},
	}
	for _, v := range valid {
		if err := v.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", v.Type, err)
		}
	}

	// Nothing populated, two variants, variant/type mismatch, unknown type.
	invalid := []AnswerValue{
		{Type: AnswerText},
		{Type: AnswerText, Text: &text, Numeric: &num},
		{Type: AnswerChoice, Text: &text},
		{Type: AnswerType("essay"), Text: &text},
	}
	for _, v := range invalid {
		if err := v.Validate(); !errors.Is(err, ErrInvalidAnswer) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidAnswer", v, err)
		}
	}
}

func TestAnswerPayloadMarshalRejectsInvalidValue(t *testing.T) {
	p := AnswerPayload{
		AttemptID:  uuid.New(),
		QuestionID: uuid.New(),
		Value:      AnswerValue{Type: AnswerText},
	}
	if _, err := p.Marshal(); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("Marshal = %v, want ErrInvalidAnswer", err)
	}
}

func TestAnswerPayloadRoundTrip(t *testing.T) {
	text := "A"
	in := AnswerPayload{
		AttemptID:  uuid.New(),
		QuestionID: uuid.New(),
		Value:      AnswerValue{Type: AnswerText, Text: &text},
	}
	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := DecodeAnswerPayload(data)
	if err != nil {
		t.Fatalf("DecodeAnswerPayload: %v", err)
	}
	if out.AttemptID != in.AttemptID || out.QuestionID != in.QuestionID || *out.Value.Text != text {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
