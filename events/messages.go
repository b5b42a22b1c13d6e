package events

import (
	"encoding/json"
	"fmt"
)

// BatchStarted announces a new batch to lifecycle subscribers.
type BatchStarted struct {
	JobID          string `json:"job_id"`
	CoordinatingID string `json:"coordinating_id"`
	TotalFiles     int    `json:"total_files"`
}

func (m *BatchStarted) Marshal() ([]byte, error) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		*BatchStarted
	}{Type: "batch_started", BatchStarted: m})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BatchStarted: %v", err)
	}
	return data, nil
}

// BatchFinalized carries the batch outcome summary so subscribers do not
// need to read the result store.
type BatchFinalized struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	SuccessfulFiles int    `json:"successful_files"`
	FailedFiles     int    `json:"failed_files"`
	TimeoutFiles    int    `json:"timeout_files"`
}

func (m *BatchFinalized) Marshal() ([]byte, error) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		*BatchFinalized
	}{Type: "batch_finalized", BatchFinalized: m})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BatchFinalized: %v", err)
	}
	return data, nil
}
