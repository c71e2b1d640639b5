package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	TypeJobStart    = "job-start"
	TypeJobSuccess  = "job-success"
	TypeJobFailure  = "job-failure"
	TypeStepRunning = "step-running"
	TypeStepSuccess = "step-success"
	TypeStepFailure = "step-failure"
)

const (
	// ContentType is the fixed datacontenttype of every envelope.
	ContentType = "application/json"
	// SpecVersion is the cloudevents spec version written to the wire.
	SpecVersion = "1.0"
	// ErrorKey holds the failure message in data.
	ErrorKey = "error"
)

// ValidType reports whether t is one of the lifecycle event types.
func ValidType(t string) bool {
	switch t {
	case TypeJobStart, TypeJobSuccess, TypeJobFailure,
		TypeStepRunning, TypeStepSuccess, TypeStepFailure:
		return true
	}
	return false
}

// Envelope is a single lifecycle notification.
type Envelope struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	SpecVersion     string         `json:"specversion"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New builds an envelope. data is copied; nil becomes an empty object.
func New(typ, source string, data map[string]any) Envelope {
	d := make(map[string]any, len(data))
	maps.Copy(d, data)
	return Envelope{
		ID:              uuid.New().String(),
		Type:            typ,
		Source:          source,
		SpecVersion:     SpecVersion,
		Time:            time.Now().UTC(),
		DataContentType: ContentType,
		Data:            d,
	}
}

// Failure builds an envelope whose data carries err under ErrorKey.
func Failure(typ, source string, err error) Envelope {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return New(typ, source, map[string]any{ErrorKey: msg})
}

// Validate checks the type vocabulary and required fields.
func (e Envelope) Validate() error {
	if !ValidType(e.Type) {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.Source == "" {
		return fmt.Errorf("event: source is required")
	}
	return nil
}

// Encode serializes the envelope to its JSON text form.
// Object keys of data are emitted in sorted order.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return json.Marshal(e)
}

// RealizationSource identifies one realization of an evaluation.
func RealizationSource(evaluatorID string, iens int) string {
	return fmt.Sprintf("/ensrun/ee/%s/real/%d", evaluatorID, iens)
}

// StepSource identifies a step within a realization.
func StepSource(evaluatorID string, iens int, stepID string) string {
	return fmt.Sprintf("%s/step/%s", RealizationSource(evaluatorID, iens), stepID)
}

// JobSource identifies a job within a step.
func JobSource(evaluatorID string, iens int, stepID string, job int) string {
	return fmt.Sprintf("%s/job/%d", StepSource(evaluatorID, iens, stepID), job)
}
