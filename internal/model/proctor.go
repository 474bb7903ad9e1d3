package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProctorEventType enumerates integrity signals collected during an attempt.
type ProctorEventType string

const (
	ProctorTabHidden              ProctorEventType = "tab_hidden"
	ProctorTabVisible             ProctorEventType = "tab_visible"
	ProctorSnapshotCaptured       ProctorEventType = "snapshot_captured"
	ProctorTimeWarning            ProctorEventType = "time_warning"
	ProctorCameraPermissionDenied ProctorEventType = "camera_permission_denied"
	ProctorConsentGranted         ProctorEventType = "consent_granted"
)

// ProctoringEvent is one immutable integrity observation. Snapshot holds a
// snappy-compressed camera frame for snapshot_captured events; it is empty
// for all other types.
type ProctoringEvent struct {
	ID        uuid.UUID         `json:"id"`
	AttemptID uuid.UUID         `json:"attempt_id"`
	Type      ProctorEventType  `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
	Snapshot  []byte            `json:"snapshot,omitempty"`
}

// Marshal encodes the event for durable storage.
func (e ProctoringEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeProctoringEvent decodes a stored OpProctoringEvent payload.
func DecodeProctoringEvent(data []byte) (ProctoringEvent, error) {
	var e ProctoringEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ProctoringEvent{}, err
	}
	return e, nil
}
