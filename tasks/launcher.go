package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vulnwatch/opsdash/backend"
)

var (
	// ErrBackendRequired indicates a launcher cannot be built without a backend
	ErrBackendRequired = errors.New("launcher backend is required")

	// ErrCancelled is returned when a run is cancelled before reaching a terminal state
	ErrCancelled = errors.New("run cancelled")
)

// Backend is the part of the runner API the launcher needs
type Backend interface {
	Submit(ctx context.Context, jobName string) (string, error)
	Status(ctx context.Context, taskID string) (*backend.TaskStatus, error)
}

// Runner starts jobs one at a time. Launcher is the implementation.
type Runner interface {
	Run(ctx context.Context, jobName string) *Job
	Cancel()
}

// Job tracks one submitted run
type Job struct {
	initial Task
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	final    Task
	terminal bool
}

func newJob(initial Task) *Job {
	return &Job{
		initial: initial,
		final:   initial,
		done:    make(chan struct{}),
	}
}

// Task returns the snapshot taken at submission
func (j *Job) Task() Task {
	return j.initial.Clone()
}

// Done is closed when the run reached a terminal state or was cancelled
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Final returns the last snapshot and whether it is terminal. Only
// meaningful after Done is closed.
func (j *Job) Final() (Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.final.Clone(), j.terminal
}

// Wait blocks until the run finishes. A cancelled run yields ErrCancelled.
func (j *Job) Wait(ctx context.Context) (Task, error) {
	select {
	case <-ctx.Done():
		return j.initial.Clone(), ctx.Err()
	case <-j.done:
	}
	final, terminal := j.Final()
	if !terminal {
		return final, ErrCancelled
	}
	return final, nil
}

func (j *Job) finish(t Task, terminal bool) {
	j.once.Do(func() {
		j.mu.Lock()
		j.final = t.Clone()
		j.terminal = terminal
		j.mu.Unlock()
		close(j.done)
	})
}

// LauncherOptions configure a Launcher
type LauncherOptions struct {
	Backend Backend
	Poller  PollerConfig
	Logger  *zap.SugaredLogger

	// OnSnapshot observes every snapshot the launcher publishes. It runs on
	// the poller goroutine with the launcher locked, so it must not block or
	// call back into the launcher.
	OnSnapshot func(Task)
}

// Launcher bridges "start this job" to a running Poller and exposes the
// resulting snapshots as a stream. At most one Poller is active at a time.
type Launcher struct {
	backend    Backend
	config     PollerConfig
	logger     *zap.SugaredLogger
	onSnapshot func(Task)
	stream     *Stream

	ctx    context.Context
	cancel context.CancelFunc

	runMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	current    Task
	hasCurrent bool
	poller     *Poller
}

// NewLauncher builds a launcher. Pollers it starts live until they finish,
// are cancelled, or Close is called.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Backend == nil {
		return nil, ErrBackendRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		backend:    opts.Backend,
		config:     opts.Poller,
		logger:     logger,
		onSnapshot: opts.OnSnapshot,
		stream:     NewStream(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Run submits jobName and starts polling it. Any previous poller is
// cancelled and fully stopped first. If the runner rejects the submission
// the returned Job is already done with a Failed snapshot.
func (l *Launcher) Run(ctx context.Context, jobName string) *Job {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	gen, prev := l.detach()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	logger := l.logger.With("job", jobName)

	taskID, err := l.backend.Submit(ctx, jobName)
	if err != nil {
		logger.Warnw("job submission failed", "error", err)
		failed := NewFailedTask("local-"+uuid.NewString(), jobName, fmt.Sprintf("failed to start: %v", err))
		job := newJob(failed)
		job.finish(failed, true)
		l.emit(gen, failed)
		return job
	}

	seed := NewPendingTask(taskID, jobName)
	job := newJob(seed)
	poller := NewPoller(taskID, l.backend.Status, l.config, logger)

	l.mu.Lock()
	if l.gen != gen {
		// Cancelled or reset while the submission was in flight.
		l.mu.Unlock()
		logger.Infow("run cancelled before polling started", "task_id", taskID)
		job.finish(seed, false)
		return job
	}
	l.poller = poller
	l.mu.Unlock()

	logger.Infow("job submitted", "task_id", taskID)
	l.emit(gen, seed)

	onUpdate := func(t Task) { l.emit(gen, t) }
	onTerminal := func(t Task) { job.finish(t, true) }
	if err := poller.Start(l.ctx, seed, onUpdate, onTerminal); err != nil {
		job.finish(seed, false)
		return job
	}

	go func() {
		<-poller.Done()
		job.finish(poller.Current(), false)
	}()
	return job
}

// Current returns the latest snapshot, if any run happened since the last Reset
func (l *Launcher) Current() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasCurrent {
		return Task{}, false
	}
	return l.current.Clone(), true
}

// Active reports whether a poller is currently running
func (l *Launcher) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poller != nil && l.poller.State() == PollerPolling
}

// Subscribe streams snapshots. The current snapshot, if any, is delivered first.
func (l *Launcher) Subscribe() (<-chan Task, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasCurrent {
		return l.stream.SubscribeFrom(l.current)
	}
	return l.stream.Subscribe()
}

// SubscribeQueue is Subscribe for readers that must not miss how a run ended,
// such as relays of a job chain where one run follows another.
func (l *Launcher) SubscribeQueue() (*Queue, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasCurrent {
		return l.stream.SubscribeQueue(&l.current)
	}
	return l.stream.SubscribeQueue(nil)
}

// Cancel stops the active poller, keeping the last snapshot
func (l *Launcher) Cancel() {
	_, prev := l.detach()
	if prev != nil {
		prev.Cancel()
	}
}

// Reset cancels the active poller and forgets the last snapshot
func (l *Launcher) Reset() {
	l.Cancel()
	l.mu.Lock()
	l.current = Task{}
	l.hasCurrent = false
	l.mu.Unlock()
}

// Close cancels everything, waits for the active poller to exit and closes
// the stream
func (l *Launcher) Close() {
	_, prev := l.detach()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}
	l.cancel()
	l.stream.Close()
}

// detach bumps the generation so late callbacks of the old poller are
// ignored, and hands back that poller.
func (l *Launcher) detach() (uint64, *Poller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	prev := l.poller
	l.poller = nil
	return l.gen, prev
}

// emit records and publishes t if it belongs to the current generation
func (l *Launcher) emit(gen uint64, t Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.current = t.Clone()
	l.hasCurrent = true
	l.stream.Publish(t)
	if l.onSnapshot != nil {
		l.onSnapshot(t.Clone())
	}
	if t.IsTerminal() && l.poller != nil && l.poller.TaskID() == t.ID {
		l.poller = nil
	}
}
