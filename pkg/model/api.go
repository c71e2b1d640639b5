package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// JobView is the API representation of one queue node.
type JobView struct {
	Index          int       `json:"iens"`
	Name           string    `json:"name"`
	Status         JobStatus `json:"status"`
	ExternalID     string    `json:"external_id,omitempty"`
	SubmitAttempts int       `json:"submit_attempts"`
	RunPath        string    `json:"run_path"`
}

// QueueSummary counts jobs by status class.
type QueueSummary struct {
	Total   int `json:"total"`
	Waiting int `json:"waiting"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Killed  int `json:"killed"`
}

// Finished reports whether every job is terminal.
func (s QueueSummary) Finished() bool {
	return s.Done+s.Failed+s.Killed == s.Total
}
