// Package batch fans one unit of work out per input file, records progress
// through the tracker, and runs a single finalization step once every unit
// has finished.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"github.com/pranitl/image2model/events"
	"github.com/pranitl/image2model/meshclient"
	"github.com/pranitl/image2model/metrics"
	"github.com/pranitl/image2model/tasks"
	"github.com/pranitl/image2model/tracker"
	"github.com/pranitl/image2model/workpool"
)

var log = logging.MustGetLogger("log")

// Submitter is the slice of the mesh client the orchestrator needs.
type Submitter interface {
	Submit(ctx context.Context, imagePath string, params meshclient.Params, onProgress meshclient.ProgressFunc) (meshclient.ArtifactRef, error)
	SubmitStandalone(ctx context.Context, imagePath string, params meshclient.Params, onProgress meshclient.ProgressFunc) (meshclient.ArtifactRef, error)
}

// StartResponse is returned immediately; the batch keeps running.
type StartResponse struct {
	JobID          string `json:"job_id"`
	CoordinatingID string `json:"coordinating_id"`
	TotalFiles     int    `json:"total_files"`
}

type unitOutcome struct {
	fileKey string
	status  tracker.FileStatus
	ref     meshclient.ArtifactRef
	errMsg  string
}

// jobMeta ties a running batch to its task ids and revoke handle. Keeping
// the fan-in id here is what lets an observer attach to the fan-in
// operation after the coordinating call has already returned.
type jobMeta struct {
	coordinatingID string
	faninID        string
	cancel         context.CancelFunc
}

type Orchestrator struct {
	client    Submitter
	tracker   *tracker.Tracker
	tasks     *tasks.Store
	pool      *workpool.Pool
	results   *ResultStore
	publisher events.Publisher

	mu     sync.Mutex
	jobs   map[string]*jobMeta
	params map[string]meshclient.Params // kept past finalization for retries
}

func NewOrchestrator(
	client Submitter,
	trk *tracker.Tracker,
	taskStore *tasks.Store,
	pool *workpool.Pool,
	results *ResultStore,
	publisher events.Publisher,
) *Orchestrator {
	return &Orchestrator{
		client:    client,
		tracker:   trk,
		tasks:     taskStore,
		pool:      pool,
		results:   results,
		publisher: publisher,
		jobs:      make(map[string]*jobMeta),
		params:    make(map[string]meshclient.Params),
	}
}

// Start initializes tracking, launches one unit per input and returns
// without waiting for completion. The file key of each unit is its input
// reference.
func (o *Orchestrator) Start(jobID string, inputs []string, params meshclient.Params) (StartResponse, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if err := o.tracker.Init(jobID, inputs); err != nil {
		return StartResponse{}, fmt.Errorf("init tracker: %w", err)
	}

	coordinatingID := uuid.New().String()
	faninID := uuid.New().String()
	o.tasks.Create(coordinatingID, jobID)
	o.tasks.Create(faninID, jobID)
	o.tasks.SetProcessing(coordinatingID)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.jobs[jobID] = &jobMeta{coordinatingID: coordinatingID, faninID: faninID, cancel: cancel}
	o.params[jobID] = params
	o.mu.Unlock()

	metrics.BatchesStarted.Inc()
	o.announce(&events.BatchStarted{JobID: jobID, CoordinatingID: coordinatingID, TotalFiles: len(inputs)})

	go o.run(ctx, jobID, coordinatingID, faninID, inputs, params)

	return StartResponse{JobID: jobID, CoordinatingID: coordinatingID, TotalFiles: len(inputs)}, nil
}

// run fans out the units, hands the coordinating task off to the fan-in
// operation, waits for every unit and finalizes exactly once.
func (o *Orchestrator) run(ctx context.Context, jobID, coordinatingID, faninID string, inputs []string, params meshclient.Params) {
	breaker := meshclient.NewBreaker(meshclient.DefaultBreakerThreshold)
	outcomes := make([]unitOutcome, len(inputs))

	var wg sync.WaitGroup
	for i, input := range inputs {
		i, input := i, input
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = o.runUnit(ctx, jobID, input, params, breaker)
		})
		if err != nil {
			outcomes[i] = unitOutcome{fileKey: input, status: tracker.StatusFailed, errMsg: err.Error()}
			_ = o.tracker.UpdateFile(jobID, input, tracker.StatusFailed, 0, err.Error())
			wg.Done()
		}
	}

	// the coordinating task's work is done: everything else happens under
	// the fan-in operation
	o.tasks.Complete(coordinatingID, tasks.DelegatedTo(faninID))
	o.tasks.SetProcessing(faninID)

	wg.Wait()
	o.finalize(ctx, jobID, faninID, outcomes)
}

func (o *Orchestrator) runUnit(ctx context.Context, jobID, fileKey string, params meshclient.Params, breaker *meshclient.Breaker) unitOutcome {
	if ctx.Err() != nil {
		_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusFailed, 0, "cancelled before execution")
		metrics.FilesProcessed.WithLabelValues(string(tracker.StatusFailed)).Inc()
		return unitOutcome{fileKey: fileKey, status: tracker.StatusFailed, errMsg: "cancelled before execution"}
	}

	if !breaker.Allow() {
		msg := (&meshclient.Error{Kind: meshclient.KindCircuitOpen, Msg: "too many consecutive failures in batch"}).Error()
		_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusFailed, 0, msg)
		metrics.FilesProcessed.WithLabelValues(string(tracker.StatusFailed)).Inc()
		return unitOutcome{fileKey: fileKey, status: tracker.StatusFailed, errMsg: msg}
	}

	_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusProcessing, 0, "")
	onProgress := func(p int) {
		_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusProcessing, p, "")
	}

	ref, err := o.client.Submit(ctx, fileKey, params, onProgress)
	if err != nil {
		breaker.Failure()
		status := tracker.StatusFailed
		if meshclient.Classify(err) == meshclient.KindTimeout {
			status = tracker.StatusTimeout
		}
		log.Errorf("unit %s of job %s failed: %v", fileKey, jobID, err)
		_ = o.tracker.UpdateFile(jobID, fileKey, status, 0, err.Error())
		metrics.FilesProcessed.WithLabelValues(string(status)).Inc()
		return unitOutcome{fileKey: fileKey, status: status, errMsg: err.Error()}
	}

	breaker.Success()
	_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusCompleted, 100, "")
	metrics.FilesProcessed.WithLabelValues(string(tracker.StatusCompleted)).Inc()
	return unitOutcome{fileKey: fileKey, status: tracker.StatusCompleted, ref: ref}
}

// finalize aggregates the ordered unit outcomes. A result is persisted only
// when at least one unit succeeded; an all-failed batch leaves nothing
// behind for downstream lookup.
func (o *Orchestrator) finalize(ctx context.Context, jobID, faninID string, outcomes []unitOutcome) {
	var successful, failed, timedOut int
	var files []FileResult
	for _, out := range outcomes {
		switch out.status {
		case tracker.StatusCompleted:
			successful++
			files = append(files, fileResultFrom(out.fileKey, out.ref))
		case tracker.StatusTimeout:
			timedOut++
		default:
			failed++
		}
	}

	status := StatusCompleted
	switch {
	case successful == 0:
		status = StatusFailed
	case timedOut > 0:
		status = StatusPartiallyCompleted
	}

	if successful > 0 {
		o.results.put(&Result{
			JobID:           jobID,
			Status:          status,
			TotalFiles:      len(outcomes),
			SuccessfulFiles: successful,
			FailedFiles:     failed,
			TimeoutFiles:    timedOut,
			Files:           files,
		})
	}

	switch {
	case ctx.Err() != nil && successful == 0:
		o.tasks.Cancel(faninID)
	case status == StatusFailed:
		o.tasks.Fail(faninID, fmt.Sprintf("all %d files failed", len(outcomes)))
	default:
		res, _ := o.results.Get(jobID)
		o.tasks.Complete(faninID, tasks.Direct(res))
	}

	metrics.BatchesFinalized.WithLabelValues(string(status)).Inc()
	o.announce(&events.BatchFinalized{
		JobID:           jobID,
		Status:          string(status),
		SuccessfulFiles: successful,
		FailedFiles:     failed,
		TimeoutFiles:    timedOut,
	})

	o.mu.Lock()
	delete(o.jobs, jobID)
	o.mu.Unlock()

	log.Infof("job %s finalized: %s (%d ok, %d failed, %d timeout)", jobID, status, successful, failed, timedOut)
}

// RetryFile re-runs one file outside batch execution with the standalone
// attempt ceiling, no circuit breaker and the batch's original generation
// params. The original batch result is not rewritten; the tracker and the
// returned task reflect the new attempt.
func (o *Orchestrator) RetryFile(jobID, fileKey string) (string, error) {
	job, exists := o.tracker.GetJob(jobID)
	if !exists {
		return "", tracker.ErrNotFound
	}
	fp, exists := job.Files[fileKey]
	if !exists {
		return "", tracker.ErrNotFound
	}
	if fp.Status == tracker.StatusCompleted {
		return "", fmt.Errorf("file %s already completed", fileKey)
	}

	o.mu.Lock()
	params := o.params[jobID]
	o.mu.Unlock()

	retryID := uuid.New().String()
	o.tasks.Create(retryID, jobID)
	o.tasks.SetProcessing(retryID)

	err := o.pool.Submit(func() {
		_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusProcessing, 0, "")
		onProgress := func(p int) {
			_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusProcessing, p, "")
			o.tasks.SetProgress(retryID, p)
		}
		ref, err := o.client.SubmitStandalone(context.Background(), fileKey, params, onProgress)
		if err != nil {
			status := tracker.StatusFailed
			if meshclient.Classify(err) == meshclient.KindTimeout {
				status = tracker.StatusTimeout
			}
			_ = o.tracker.UpdateFile(jobID, fileKey, status, 0, err.Error())
			o.tasks.Fail(retryID, err.Error())
			return
		}
		_ = o.tracker.UpdateFile(jobID, fileKey, tracker.StatusCompleted, 100, "")
		o.tasks.Complete(retryID, tasks.Direct(fileResultFrom(fileKey, ref)))
	})
	if err != nil {
		o.tasks.Fail(retryID, err.Error())
		return "", err
	}
	return retryID, nil
}

// Cancel requests cancellation of a batch by any of its task ids. Best
// effort only: units already inside an external call finish their attempt.
func (o *Orchestrator) Cancel(taskID string) bool {
	task, exists := o.tasks.Get(taskID)
	if !exists {
		return false
	}

	o.mu.Lock()
	meta, running := o.jobs[task.JobID]
	o.mu.Unlock()
	if !running {
		return false
	}

	log.Infof("cancelling job %s (requested via task %s)", task.JobID, taskID)
	meta.cancel()
	o.tasks.Cancel(meta.coordinatingID)
	o.tasks.Cancel(meta.faninID)
	return true
}

func (o *Orchestrator) announce(msg interface{ Marshal() ([]byte, error) }) {
	if o.publisher == nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		log.Errorf("failed to marshal lifecycle event: %v", err)
		return
	}
	if err := o.publisher.Publish(data); err != nil {
		log.Errorf("failed to publish lifecycle event: %v", err)
	}
}
