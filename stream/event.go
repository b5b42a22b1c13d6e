package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pranitl/image2model/tracker"
)

// Event names emitted on a progress stream.
const (
	EventStatus            = "status"
	EventHeartbeat         = "heartbeat"
	EventError             = "error"
	EventConnectionTimeout = "connection_timeout"
)

// Payload is the normalized shape every emission reduces to, regardless of
// which internal representation produced it.
type Payload struct {
	Status     string                          `json:"status"`
	Progress   int                             `json:"progress"`
	JobID      string                          `json:"job_id"`
	TrackingID string                          `json:"tracking_id"`
	Result     interface{}                     `json:"result,omitempty"`
	Error      string                          `json:"error,omitempty"`
	Files      map[string]tracker.FileProgress `json:"files,omitempty"`
}

func (p *Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream payload: %v", err)
	}
	return data, nil
}

// Event pairs an event name with its normalized payload.
type Event struct {
	Name    string
	Payload Payload
}

// Sink receives events for one client connection. A Send error means the
// client is gone; the session loop terminates silently on it.
type Sink interface {
	Send(ev Event) error
}

// sameState reports whether two payloads describe the same observable
// state, ignoring the result body.
func sameState(a, b Payload) bool {
	if a.Status != b.Status || a.Progress != b.Progress || a.Error != b.Error || a.TrackingID != b.TrackingID {
		return false
	}
	if len(a.Files) != len(b.Files) {
		return false
	}
	for key, fp := range a.Files {
		if b.Files[key] != fp {
			return false
		}
	}
	return true
}
