// Package stream converts polled task state into a live, typed event
// sequence for one remote client per session. It polls on a fixed interval,
// deduplicates unchanged state, heartbeats idle connections and follows the
// handoff from a coordinating task to its fan-in operation without closing
// the stream.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/op/go-logging"

	"github.com/pranitl/image2model/meshclient"
	"github.com/pranitl/image2model/metrics"
	"github.com/pranitl/image2model/tasks"
	"github.com/pranitl/image2model/tracker"
)

var log = logging.MustGetLogger("log")

// ErrTaskNotFound is the non-recoverable read failure for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskSource reads the underlying task state each poll. The in-process
// store never fails, but a remote source may; read failures are classified
// as recoverable (connection/timeout class) or terminal.
type TaskSource interface {
	FetchTask(id string) (tasks.Task, error)
}

// StoreSource adapts the in-memory task store to a TaskSource.
type StoreSource struct {
	store *tasks.Store
}

func NewStoreSource(store *tasks.Store) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) FetchTask(id string) (tasks.Task, error) {
	task, exists := s.store.Get(id)
	if !exists {
		return tasks.Task{}, ErrTaskNotFound
	}
	return task, nil
}

const (
	DefaultPollInterval      = 1 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultErrorRetryDelay   = 5 * time.Second
	DefaultSessionTimeout    = 3600 * time.Second
	MinSessionTimeout        = 1 * time.Second
	MaxSessionTimeout        = 86400 * time.Second
)

// ClampSessionTimeout bounds a caller-supplied timeout in seconds to the
// allowed session range; zero or negative falls back to the default.
func ClampSessionTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultSessionTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < MinSessionTimeout {
		return MinSessionTimeout
	}
	if d > MaxSessionTimeout {
		return MaxSessionTimeout
	}
	return d
}

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ErrorRetryDelay   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ErrorRetryDelay == 0 {
		out.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	return out
}

type Multiplexer struct {
	source  TaskSource
	tracker *tracker.Tracker
	cfg     Config
}

func NewMultiplexer(source TaskSource, trk *tracker.Tracker, cfg Config) *Multiplexer {
	return &Multiplexer{source: source, tracker: trk, cfg: cfg.withDefaults()}
}

// session is the per-connection state. trackingID is mutable: a handoff
// repoints it at the fan-in operation.
type session struct {
	trackingID   string
	start        time.Time
	lastEmit     time.Time
	lastPayload  Payload
	emittedOnce  bool
	fileProgress map[string]int
}

// Stream runs one session until a terminal event, the session timeout, a
// non-recoverable poll failure or client disconnect. Disconnects terminate
// silently; every other exit emits a final event first.
func (m *Multiplexer) Stream(ctx context.Context, trackingID string, timeout time.Duration, sink Sink) {
	metrics.OpenStreams.Inc()
	defer metrics.OpenStreams.Dec()

	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	s := &session{
		trackingID:   trackingID,
		start:        time.Now(),
		lastEmit:     time.Now(),
		fileProgress: make(map[string]int),
	}
	deadline := s.start.Add(timeout)

	for {
		if ctx.Err() != nil {
			return // client gone, nothing more to say
		}
		if time.Now().After(deadline) {
			_ = sink.Send(Event{Name: EventConnectionTimeout, Payload: Payload{
				Status:     string(tasks.StatusTimeout),
				Progress:   s.lastPayload.Progress,
				JobID:      s.lastPayload.JobID,
				TrackingID: s.trackingID,
				Error:      "session timeout reached",
			}})
			return
		}

		task, err := m.source.FetchTask(s.trackingID)
		if err != nil {
			if m.pollFailure(ctx, s, sink, err) {
				continue
			}
			return
		}

		if faninID, handed := handoff(task); handed {
			log.Debugf("stream %s handed off to fan-in %s", s.trackingID, faninID)
			s.trackingID = faninID
			payload := Payload{
				Status:     string(tasks.StatusProcessing),
				Progress:   s.lastPayload.Progress,
				JobID:      task.JobID,
				TrackingID: faninID,
			}
			if !m.emit(s, sink, Event{Name: EventStatus, Payload: payload}) {
				return
			}
			continue // keep streaming against the fan-in operation
		}

		payload := m.normalize(s, task)
		switch {
		case !s.emittedOnce || !sameState(payload, s.lastPayload):
			if !m.emit(s, sink, Event{Name: EventStatus, Payload: payload}) {
				return
			}
		case time.Since(s.lastEmit) >= m.cfg.HeartbeatInterval:
			// nothing changed; keep intermediate hops from dropping the
			// idle connection
			if !m.emit(s, sink, Event{Name: EventHeartbeat, Payload: payload}) {
				return
			}
		}

		if tasks.Status(payload.Status).Terminal() {
			return
		}

		if !sleepInterruptible(ctx, m.cfg.PollInterval) {
			return
		}
	}
}

// pollFailure handles a task read error. Returns true when the session
// should continue polling.
func (m *Multiplexer) pollFailure(ctx context.Context, s *session, sink Sink, err error) bool {
	kind := meshclient.Classify(err)
	recoverable := !errors.Is(err, ErrTaskNotFound) &&
		(kind == meshclient.KindTimeout || kind == meshclient.KindTransient)

	payload := Payload{
		Status:     s.lastPayload.Status,
		Progress:   s.lastPayload.Progress,
		JobID:      s.lastPayload.JobID,
		TrackingID: s.trackingID,
		Error:      err.Error(),
	}
	if !m.emit(s, sink, Event{Name: EventError, Payload: payload}) {
		return false
	}
	if !recoverable {
		log.Errorf("stream %s: non-recoverable poll failure: %v", s.trackingID, err)
		return false
	}
	log.Warningf("stream %s: recoverable poll failure, retrying: %v", s.trackingID, err)
	return sleepInterruptible(ctx, m.cfg.ErrorRetryDelay)
}

// normalize reduces a task plus tracker detail to the wire payload,
// clamping per-file progress so it never moves backwards within a session.
func (m *Multiplexer) normalize(s *session, task tasks.Task) Payload {
	payload := Payload{
		Status:     string(task.Status),
		Progress:   task.Progress,
		JobID:      task.JobID,
		TrackingID: task.ID,
		Error:      task.Error,
	}
	if task.Outcome != nil {
		if res := task.Outcome.Result(); res != nil {
			payload.Result = res
		}
	}

	if job, exists := m.tracker.GetJob(task.JobID); exists {
		files := make(map[string]tracker.FileProgress, len(job.Files))
		for key, fp := range job.Files {
			if last, seen := s.fileProgress[key]; seen && fp.Progress < last {
				fp.Progress = last
			}
			s.fileProgress[key] = fp.Progress
			files[key] = fp
		}
		payload.Files = files

		if task.Status == tasks.StatusProcessing {
			if overall, ok := m.tracker.OverallProgress(task.JobID); ok && overall > payload.Progress {
				payload.Progress = overall
			}
		}
	}

	if payload.Progress < s.lastPayload.Progress && payload.TrackingID == s.lastPayload.TrackingID {
		payload.Progress = s.lastPayload.Progress
	}
	return payload
}

// emit sends and records one event; false means the client is gone.
func (m *Multiplexer) emit(s *session, sink Sink, ev Event) bool {
	if err := sink.Send(ev); err != nil {
		log.Debugf("stream %s closed by client: %v", s.trackingID, err)
		return false
	}
	s.lastPayload = ev.Payload
	s.lastEmit = time.Now()
	s.emittedOnce = true
	return true
}

// NormalizeOnce produces the one-shot status payload for GET /tasks/{id}.
func (m *Multiplexer) NormalizeOnce(trackingID string) (Payload, error) {
	task, err := m.source.FetchTask(trackingID)
	if err != nil {
		return Payload{}, err
	}
	s := &session{trackingID: trackingID, fileProgress: make(map[string]int)}
	return m.normalize(s, task), nil
}

func handoff(task tasks.Task) (string, bool) {
	if !task.Status.Terminal() || task.Outcome == nil {
		return "", false
	}
	return task.Outcome.Delegated()
}

// sleepInterruptible waits d unless the client disconnects first.
func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
