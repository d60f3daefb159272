package scheduler

import (
	"fmt"
	"sync"
	"time"

	"mediafetch/internal/validate"
)

// State is a job's position in its lifecycle.
type State string

const (
	Admitted  State = "admitted"
	Resolving State = "resolving"
	Streaming State = "streaming"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

func (s State) rank() int {
	switch s {
	case Admitted:
		return 0
	case Resolving:
		return 1
	case Streaming:
		return 2
	default:
		return 3
	}
}

// Job is one admitted request. Its spec never changes; state only moves
// forward.
type Job struct {
	ID        string
	Spec      validate.JobSpec
	ClientKey string
	StartedAt time.Time
	Quota     Decision

	mu         sync.Mutex
	state      State
	err        error
	finishedAt time.Time
	done       chan struct{}
	finish     sync.Once
}

// Snapshot is a copy of a job's mutable fields.
type Snapshot struct {
	ID         string
	Spec       validate.JobSpec
	State      State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func newJob(id string, spec validate.JobSpec, clientKey string, startedAt time.Time) *Job {
	return &Job{
		ID:        id,
		Spec:      spec,
		ClientKey: clientKey,
		StartedAt: startedAt,
		state:     Admitted,
		done:      make(chan struct{}),
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err is the failure that ended the job, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Advance moves the job to a later non-terminal state. Terminal states are
// reached only through Scheduler.Finish.
func (j *Job) Advance(next State) error {
	if next.Terminal() {
		return fmt.Errorf("job %s: %s is terminal", j.ID, next)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if next.rank() <= j.state.rank() {
		return fmt.Errorf("job %s: cannot move from %s to %s", j.ID, j.state, next)
	}
	j.state = next
	return nil
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:         j.ID,
		Spec:       j.Spec,
		State:      j.state,
		Err:        j.err,
		StartedAt:  j.StartedAt,
		FinishedAt: j.finishedAt,
	}
}

// terminate records the terminal state. It reports false if the job had
// already ended.
func (j *Job) terminate(err error, at time.Time) bool {
	ended := false
	j.finish.Do(func() {
		j.mu.Lock()
		if err != nil {
			j.state = Failed
		} else {
			j.state = Completed
		}
		j.err = err
		j.finishedAt = at
		j.mu.Unlock()
		close(j.done)
		ended = true
	})
	return ended
}
