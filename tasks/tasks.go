// Package tasks tracks coordinating and fan-in operations so observers can
// follow a batch after the initiating call has returned.
package tasks

import "sync"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Outcome is the tagged result of a completed task: either a direct result
// value, or a handoff pointing at the fan-in operation that carries the
// real work. The tag is decided once, by whoever completes the task.
type Outcome struct {
	delegatedTo string
	result      interface{}
}

func Direct(result interface{}) Outcome {
	return Outcome{result: result}
}

func DelegatedTo(id string) Outcome {
	return Outcome{delegatedTo: id}
}

// Delegated returns the fan-in id and true when this outcome is a handoff.
func (o Outcome) Delegated() (string, bool) {
	return o.delegatedTo, o.delegatedTo != ""
}

func (o Outcome) Result() interface{} {
	return o.result
}

// Task is one observable operation. Progress applies while processing;
// Outcome is set only on successful completion.
type Task struct {
	ID       string
	JobID    string
	Status   Status
	Progress int
	Outcome  *Outcome
	Error    string
}

// Store is an in-memory task registry shared by the orchestrator (writer)
// and the stream multiplexer (reader).
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

func (s *Store) Create(id, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return
	}
	s.tasks[id] = &Task{ID: id, JobID: jobID, Status: StatusQueued}
}

func (s *Store) SetProcessing(id string) {
	s.transition(id, func(t *Task) { t.Status = StatusProcessing })
}

func (s *Store) SetProgress(id string, progress int) {
	s.transition(id, func(t *Task) {
		if progress > t.Progress {
			t.Progress = progress
		}
	})
}

// Complete marks the task done with the given outcome.
func (s *Store) Complete(id string, outcome Outcome) {
	s.transition(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.Outcome = &outcome
	})
}

func (s *Store) Fail(id, errMsg string) {
	s.transition(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = errMsg
	})
}

func (s *Store) Cancel(id string) {
	s.transition(id, func(t *Task) { t.Status = StatusCancelled })
}

// transition applies a mutation unless the task is already in a terminal
// state. Terminal states are sinks: a cancelled task stays cancelled even
// when finalization completes it afterwards.
func (s *Store) transition(id string, apply func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, exists := s.tasks[id]; exists && !t.Status.Terminal() {
		apply(t)
	}
}

// Get returns a copy of the task; absence is reported, never an error.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.tasks[id]
	if !exists {
		return Task{}, false
	}
	return *t, true
}
