package tracker

import (
	"encoding/json"

	"github.com/pranitl/image2model/persistance"
)

// trackerState holds every tracked job and implements persistance.State.
type trackerState struct {
	jobs map[string]*Job
}

var _ persistance.State = (*trackerState)(nil)

func newTrackerState() *trackerState {
	return &trackerState{jobs: make(map[string]*Job)}
}

func (ts *trackerState) getJob(jobID string) (*Job, bool) {
	job, exists := ts.jobs[jobID]
	return job, exists
}

func (ts *trackerState) initJob(jobID string, fileKeys []string) {
	if _, exists := ts.jobs[jobID]; exists {
		return
	}
	ts.jobs[jobID] = newJob(jobID, fileKeys)
}

func (ts *trackerState) Apply(op persistance.Operation) error {
	return op.ApplyTo(ts)
}

// jobSnapshot is the persisted representation of one job.
type jobSnapshot struct {
	JobID      string                  `json:"job_id"`
	TotalFiles int                     `json:"total_files"`
	Files      map[string]FileProgress `json:"files"`
}

type trackerSnapshot struct {
	Jobs map[string]jobSnapshot `json:"jobs"`
}

func (ts *trackerState) Serialize() ([]byte, error) {
	snapshot := trackerSnapshot{Jobs: make(map[string]jobSnapshot, len(ts.jobs))}
	for id, job := range ts.jobs {
		files := make(map[string]FileProgress, len(job.Files))
		for key, fp := range job.Files {
			files[key] = *fp
		}
		snapshot.Jobs[id] = jobSnapshot{JobID: job.JobID, TotalFiles: job.TotalFiles, Files: files}
	}
	return json.Marshal(snapshot)
}

func (ts *trackerState) Deserialize(data []byte) error {
	if len(data) == 0 {
		ts.jobs = make(map[string]*Job)
		return nil
	}
	var snapshot trackerSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	ts.jobs = make(map[string]*Job, len(snapshot.Jobs))
	for id, jobSnap := range snapshot.Jobs {
		files := make(map[string]*FileProgress, len(jobSnap.Files))
		for key, fp := range jobSnap.Files {
			copied := fp
			files[key] = &copied
		}
		ts.jobs[id] = &Job{JobID: jobSnap.JobID, TotalFiles: jobSnap.TotalFiles, Files: files}
	}
	return nil
}
