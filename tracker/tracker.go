// Package tracker is the shared progress store for batch jobs. Every
// mutation is journaled through the persistance state log, so progress
// stays readable by another process and survives restarts.
package tracker

import (
	"errors"
	"math"
	"os"
	"sync"

	"github.com/op/go-logging"

	"github.com/pranitl/image2model/persistance"
)

var log = logging.MustGetLogger("log")

// ErrNotFound reports an unknown job or file key. Absence is an expected
// answer, never a raised failure.
var ErrNotFound = errors.New("job not found")

const defaultSnapshotPeriod = 50

// Tracker wraps the journaled state with a lock so concurrent units can
// write per-file updates safely. Writes are scoped to one file's record;
// readers get copies, not live references.
type Tracker struct {
	mu sync.RWMutex
	sm *persistance.StateManager
}

// New opens (or restores) a tracker whose journal lives under stateDir.
func New(stateDir string) (*Tracker, error) {
	recover := false
	if _, err := os.Stat(stateDir); err == nil {
		recover = true
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	stateLog, err := persistance.NewStateLog(stateDir)
	if err != nil {
		return nil, err
	}

	state := newTrackerState()
	var sm *persistance.StateManager
	if recover {
		sm, err = persistance.LoadStateManager(state, stateLog, defaultSnapshotPeriod)
	} else {
		sm, err = persistance.NewStateManager(state, stateLog, defaultSnapshotPeriod)
	}
	if err != nil {
		_ = stateLog.Close()
		return nil, err
	}
	return &Tracker{sm: sm}, nil
}

func (t *Tracker) state() *trackerState {
	return t.sm.GetState().(*trackerState)
}

// Init registers a job with all files pending. Idempotent: a second call
// for the same job ID is a no-op and the original TotalFiles is kept.
func (t *Tracker) Init(jobID string, fileKeys []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.state().getJob(jobID); exists {
		log.Debugf("job %s already initialized, skipping", jobID)
		return nil
	}
	return t.sm.Log(&initJobOperation{jobID: jobID, fileKeys: fileKeys})
}

// UpdateFile applies a partial update to one file's record. Progress is
// clamped so it never decreases; status and error are last-write-wins.
func (t *Tracker) UpdateFile(jobID, fileKey string, status FileStatus, progress int, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.state().getJob(jobID)
	if !exists {
		log.Warningf("update for unknown job %s ignored", jobID)
		return ErrNotFound
	}
	if _, exists := job.Files[fileKey]; !exists {
		log.Warningf("update for untracked file %s in job %s ignored", fileKey, jobID)
		return ErrNotFound
	}
	return t.sm.Log(&updateFileOperation{
		jobID:    jobID,
		fileKey:  fileKey,
		status:   status,
		progress: progress,
		errMsg:   errMsg,
	})
}

// GetJob returns a point-in-time copy of the job record.
func (t *Tracker) GetJob(jobID string) (JobView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, exists := t.state().getJob(jobID)
	if !exists {
		return JobView{}, false
	}
	return job.view(), true
}

// OverallProgress reports completed_files/total_files as a rounded 0-100
// percentage. A job with zero files counts as complete.
func (t *Tracker) OverallProgress(jobID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, exists := t.state().getJob(jobID)
	if !exists {
		return 0, false
	}
	if job.TotalFiles == 0 {
		return 100, true
	}
	pct := float64(job.completedFiles()) / float64(job.TotalFiles) * 100
	return int(math.Round(pct)), true
}

func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sm.Close()
}
