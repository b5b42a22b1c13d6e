package tracker

// FileStatus is the lifecycle of one file inside a batch job.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
	StatusTimeout    FileStatus = "timeout"
)

// FileProgress is owned by the unit of work processing that file;
// last write wins, progress never goes backwards.
type FileProgress struct {
	Status   FileStatus `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
}

// Job aggregates per-file progress for one batch. TotalFiles is fixed at
// init; the completed/failed counts are derived from the file map.
type Job struct {
	JobID      string
	TotalFiles int
	Files      map[string]*FileProgress
}

func newJob(jobID string, fileKeys []string) *Job {
	files := make(map[string]*FileProgress, len(fileKeys))
	for _, key := range fileKeys {
		files[key] = &FileProgress{Status: StatusPending, Progress: 0}
	}
	return &Job{JobID: jobID, TotalFiles: len(fileKeys), Files: files}
}

func (j *Job) completedFiles() int {
	n := 0
	for _, fp := range j.Files {
		if fp.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (j *Job) failedFiles() int {
	n := 0
	for _, fp := range j.Files {
		if fp.Status == StatusFailed || fp.Status == StatusTimeout {
			n++
		}
	}
	return n
}

// JobView is a point-in-time copy handed to readers. Concurrent writers may
// have produced its fields at slightly different instants; callers tolerate
// an eventually consistent snapshot.
type JobView struct {
	JobID          string                  `json:"job_id"`
	TotalFiles     int                     `json:"total_files"`
	CompletedFiles int                     `json:"completed_files"`
	FailedFiles    int                     `json:"failed_files"`
	Files          map[string]FileProgress `json:"files"`
}

func (j *Job) view() JobView {
	files := make(map[string]FileProgress, len(j.Files))
	for key, fp := range j.Files {
		files[key] = *fp
	}
	return JobView{
		JobID:          j.JobID,
		TotalFiles:     j.TotalFiles,
		CompletedFiles: j.completedFiles(),
		FailedFiles:    j.failedFiles(),
		Files:          files,
	}
}
