package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vulnwatch/opsdash/backend"
)

// State is the lifecycle state of a remote task
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions can occur
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrUnknownState is returned when the runner reports a state we cannot map
var ErrUnknownState = errors.New("unknown task state")

// LogLine is one entry of a task's log buffer
type LogLine struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Task is a snapshot of one remote job. Snapshots are values: the Poller
// replaces them, nobody mutates them in place.
type Task struct {
	ID        string          `json:"id"`
	JobName   string          `json:"jobName"`
	State     State           `json:"state"`
	Progress  *int            `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Logs      []LogLine       `json:"logs,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewPendingTask is the snapshot a Launcher creates right after submission
func NewPendingTask(id, jobName string) Task {
	return Task{
		ID:        id,
		JobName:   jobName,
		State:     StatePending,
		UpdatedAt: time.Now(),
	}
}

// NewFailedTask builds a terminal failure snapshot
func NewFailedTask(id, jobName, reason string) Task {
	return Task{
		ID:        id,
		JobName:   jobName,
		State:     StateFailed,
		Error:     reason,
		UpdatedAt: time.Now(),
	}
}

// IsTerminal reports whether the task reached Succeeded or Failed
func (t Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Equal compares tasks by identity
func (t Task) Equal(other Task) bool {
	return t.ID != "" && t.ID == other.ID
}

// Clone returns a deep copy
func (t Task) Clone() Task {
	out := t
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	if t.Logs != nil {
		out.Logs = append([]LogLine(nil), t.Logs...)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	return out
}

// WithAdvisory returns a copy carrying a non-terminal advisory message
func (t Task) WithAdvisory(msg string) Task {
	out := t.Clone()
	out.Message = msg
	out.UpdatedAt = time.Now()
	return out
}

// FromStatus maps a runner status onto a new snapshot derived from prev.
func FromStatus(prev Task, status *backend.TaskStatus) (Task, error) {
	state, err := parseState(status.State)
	if err != nil {
		return prev, err
	}

	next := Task{
		ID:        prev.ID,
		JobName:   prev.JobName,
		State:     state,
		Message:   status.Msg,
		UpdatedAt: time.Now(),
	}
	if next.JobName == "" {
		next.JobName = status.Name
	}

	if status.Progress != nil {
		p := clampProgress(*status.Progress)
		next.Progress = &p
	}

	if len(status.Logs) > 0 {
		next.Logs = make([]LogLine, len(status.Logs))
		for i, entry := range status.Logs {
			next.Logs[i] = LogLine{Time: unixSeconds(entry.Time), Text: entry.Message}
		}
	}

	switch state {
	case StateSucceeded:
		if status.HasResult() {
			next.Result = append(json.RawMessage(nil), status.Result...)
		}
	case StateFailed:
		next.Error = failureReason(status)
	}

	return next, nil
}

func parseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued":
		return StatePending, nil
	case "running":
		return StateRunning, nil
	case "success", "succeeded":
		return StateSucceeded, nil
	case "failed", "error":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
}

// failureReason prefers error, then msg; the runner only fills msg on failure
func failureReason(status *backend.TaskStatus) string {
	if status.Error != "" {
		return status.Error
	}
	if status.Msg != "" {
		return status.Msg
	}
	return "job failed"
}

func clampProgress(v float64) int {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(math.Round(v))
	}
}

func unixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// PollerConfig configures the status polling behaviour
type PollerConfig struct {
	Interval               time.Duration // Time between status checks
	MaxConsecutiveFailures int           // 0 = retry transient failures forever
	MaxBackoff             time.Duration // Upper bound on the hold-off after failures
	RequestTimeout         time.Duration // Per status request; 0 = none
}

// DefaultPollerConfig matches the runner's one second status granularity
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = def.MaxBackoff
		if c.MaxBackoff < c.Interval {
			c.MaxBackoff = c.Interval
		}
	}
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	return c
}
