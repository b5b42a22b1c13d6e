package batch

import (
	"sync"

	"github.com/pranitl/image2model/meshclient"
)

type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// FileResult is the metadata of one successfully generated model.
type FileResult struct {
	FileKey     string `json:"file_key"`
	ArtifactRef string `json:"artifact_ref"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

func fileResultFrom(fileKey string, ref meshclient.ArtifactRef) FileResult {
	return FileResult{
		FileKey:     fileKey,
		ArtifactRef: ref.Path,
		Size:        ref.Size,
		ContentType: ref.ContentType,
	}
}

// Result is the immutable batch envelope written once by finalization.
// Files holds successful entries only, in input order.
type Result struct {
	JobID           string       `json:"job_id"`
	Status          Status       `json:"status"`
	TotalFiles      int          `json:"total_files"`
	SuccessfulFiles int          `json:"successful_files"`
	FailedFiles     int          `json:"failed_files"`
	TimeoutFiles    int          `json:"timeout_files"`
	Files           []FileResult `json:"files"`
}

// ResultStore holds finalized batch results. A result exists only when at
// least one file succeeded; lookups report absence, never an error.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]*Result
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]*Result)}
}

func (s *ResultStore) put(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.JobID] = res
}

func (s *ResultStore) Get(jobID string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, exists := s.results[jobID]
	if !exists {
		return Result{}, false
	}
	return *res, true
}
