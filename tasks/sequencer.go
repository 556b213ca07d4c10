package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRunnerRequired indicates a sequencer cannot be built without a runner
	ErrRunnerRequired = errors.New("sequencer runner is required")

	// ErrSequenceRunning is returned when RunAll is called while a chain is in progress
	ErrSequenceRunning = errors.New("a job chain is already running")
)

// OutcomeState is the overall result of a chained run
type OutcomeState string

const (
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeCancelled OutcomeState = "cancelled"
)

// Outcome aggregates a chained run. Steps holds the final snapshot of every
// job that was started, in order.
type Outcome struct {
	State      OutcomeState `json:"state"`
	FailedJob  string       `json:"failedJob,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []Task       `json:"steps"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// StepError identifies the job that stopped a chain. Earlier steps are not
// rolled back.
type StepError struct {
	Index   int
	JobName string
	TaskID  string
	Reason  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %s", e.Index+1, e.JobName, e.Reason)
}

// SequenceStatus is a point-in-time view of a sequencer
type SequenceStatus struct {
	Running bool     `json:"running"`
	Jobs    []string `json:"jobs,omitempty"`
	Step    int      `json:"step"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// SequencerOptions configure a Sequencer
type SequencerOptions struct {
	Runner Runner
	Logger *zap.SugaredLogger
}

// Sequencer runs jobs strictly one after another and stops at the first failure
type Sequencer struct {
	runner Runner
	logger *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	jobs    []string
	step    int
	last    *Outcome
}

// NewSequencer builds a sequencer on top of runner
func NewSequencer(opts SequencerOptions) (*Sequencer, error) {
	if opts.Runner == nil {
		return nil, ErrRunnerRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sequencer{runner: opts.Runner, logger: logger}, nil
}

// RunAll runs jobNames in order. Job N+1 is submitted only after job N
// reached a terminal state. The first failure stops the chain and is
// returned as a *StepError. Cancelling ctx cancels the active job, starts
// nothing further and returns ErrCancelled.
func (s *Sequencer) RunAll(ctx context.Context, jobNames []string) (Outcome, error) {
	if len(jobNames) == 0 {
		return Outcome{State: OutcomeFailed, Error: ErrNoJobs.Error()}, ErrNoJobs
	}
	if err := s.begin(jobNames); err != nil {
		return Outcome{State: OutcomeFailed, Error: err.Error()}, err
	}

	outcome := Outcome{
		Steps:     make([]Task, 0, len(jobNames)),
		StartedAt: time.Now(),
	}
	outcome, err := s.runSteps(ctx, jobNames, outcome)
	outcome.FinishedAt = time.Now()

	s.end(outcome)
	s.logger.Infow("job chain finished",
		"state", outcome.State,
		"steps", len(outcome.Steps),
		"failed_job", outcome.FailedJob,
		"duration", outcome.FinishedAt.Sub(outcome.StartedAt))
	return outcome, err
}

func (s *Sequencer) runSteps(ctx context.Context, jobNames []string, outcome Outcome) (Outcome, error) {
	for i, name := range jobNames {
		if ctx.Err() != nil {
			return cancelled(outcome), ErrCancelled
		}

		s.setStep(i + 1)
		s.logger.Infow("starting chain step", "step", i+1, "of", len(jobNames), "job", name)

		job := s.runner.Run(ctx, name)
		select {
		case <-job.Done():
		case <-ctx.Done():
			s.runner.Cancel()
			<-job.Done()
		}

		final, terminal := job.Final()
		if ctx.Err() != nil && (!terminal || final.State == StateFailed) {
			// Submission or polling was cut short by the caller, not by the job.
			s.runner.Cancel()
			outcome.Steps = append(outcome.Steps, final)
			return cancelled(outcome), ErrCancelled
		}
		if !terminal {
			outcome.Steps = append(outcome.Steps, final)
			return cancelled(outcome), ErrCancelled
		}

		outcome.Steps = append(outcome.Steps, final)
		if final.State == StateFailed {
			stepErr := &StepError{Index: i, JobName: name, TaskID: final.ID, Reason: final.Error}
			outcome.State = OutcomeFailed
			outcome.FailedJob = name
			outcome.Error = final.Error
			s.logger.Warnw("chain step failed, skipping remaining jobs",
				"job", name, "remaining", len(jobNames)-i-1, "error", final.Error)
			return outcome, stepErr
		}
	}

	outcome.State = OutcomeSucceeded
	return outcome, nil
}

// Status reports progress of the current chain, or the last outcome
func (s *Sequencer) Status() SequenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SequenceStatus{
		Running: s.running,
		Jobs:    append([]string(nil), s.jobs...),
		Step:    s.step,
	}
	if s.last != nil {
		o := *s.last
		o.Steps = append([]Task(nil), s.last.Steps...)
		st.Outcome = &o
	}
	return st
}

func (s *Sequencer) begin(jobNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSequenceRunning
	}
	s.running = true
	s.jobs = append([]string(nil), jobNames...)
	s.step = 0
	s.last = nil
	return nil
}

func (s *Sequencer) setStep(step int) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *Sequencer) end(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.last = &outcome
}

func cancelled(outcome Outcome) Outcome {
	outcome.State = OutcomeCancelled
	outcome.Error = ErrCancelled.Error()
	return outcome
}
