package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ManagerOptions configure a Manager
type ManagerOptions struct {
	Backend         Backend
	Catalog         *Catalog
	Poller          PollerConfig
	TaskTTL         time.Duration
	CleanupInterval time.Duration
	Logger          *zap.SugaredLogger
}

// Manager owns one Launcher per catalog job, the diagnostics chain, and the
// store of recent snapshots.
type Manager struct {
	catalog   *Catalog
	store     *TaskStore
	launchers map[string]*Launcher
	logger    *zap.SugaredLogger
	cleanup   time.Duration

	diagLauncher *Launcher
	sequencer    *Sequencer

	ctx    context.Context
	cancel context.CancelFunc

	diagMu     sync.Mutex
	diagCancel context.CancelFunc
	diagDone   chan struct{}
}

// NewManager creates a task manager
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Backend == nil {
		return nil, ErrBackendRequired
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		catalog:   catalog,
		store:     NewTaskStore(opts.TaskTTL),
		launchers: make(map[string]*Launcher),
		logger:    logger,
		cleanup:   cleanup,
		ctx:       ctx,
		cancel:    cancel,
	}

	record := func(t Task) {
		if err := m.store.Record(t); err != nil {
			m.logger.Debugw("snapshot not recorded", "error", err)
		}
	}

	for _, def := range catalog.List() {
		l, err := NewLauncher(LauncherOptions{
			Backend:    opts.Backend,
			Poller:     opts.Poller,
			Logger:     logger.With("launcher", def.Name),
			OnSnapshot: record,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("launcher %s: %w", def.Name, err)
		}
		m.launchers[def.Name] = l
	}

	diag, err := NewLauncher(LauncherOptions{
		Backend:    opts.Backend,
		Poller:     opts.Poller,
		Logger:     logger.With("launcher", "diagnostics"),
		OnSnapshot: record,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("diagnostics launcher: %w", err)
	}
	m.diagLauncher = diag

	m.sequencer, err = NewSequencer(SequencerOptions{Runner: diag, Logger: logger.With("component", "sequencer")})
	if err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// Maintain periodically drops expired snapshots until ctx is done
func (m *Manager) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.store.CleanExpired(); n > 0 {
				m.logger.Debugw("expired task snapshots removed", "count", n)
			}
		}
	}
}

// Shutdown cancels every poller and the diagnostics chain
func (m *Manager) Shutdown() {
	m.CancelDiagnostics()
	m.cancel()
	for _, l := range m.launchers {
		l.Close()
	}
	m.diagLauncher.Close()
}

// Catalog returns the job catalog
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Launcher returns the launcher bound to a catalog job
func (m *Manager) Launcher(jobName string) (*Launcher, error) {
	l, ok := m.launchers[jobName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, jobName)
	}
	return l, nil
}

// StartJob runs a single job on its launcher, replacing any previous run
func (m *Manager) StartJob(ctx context.Context, jobName string) (*Job, error) {
	l, err := m.Launcher(jobName)
	if err != nil {
		return nil, err
	}
	return l.Run(ctx, jobName), nil
}

// CancelJob stops polling the job's current run
func (m *Manager) CancelJob(jobName string) error {
	l, err := m.Launcher(jobName)
	if err != nil {
		return err
	}
	l.Cancel()
	return nil
}

// Get retrieves a recently seen task by ID
func (m *Manager) Get(taskID string) (Task, error) {
	return m.store.Get(taskID)
}

// List returns recently seen tasks with pagination
func (m *Manager) List(cursor string, limit int) ([]Task, string, error) {
	return m.store.List(cursor, limit)
}

// PlanDiagnostics previews a chain without submitting anything
func (m *Manager) PlanDiagnostics(jobNames []string) (*Plan, error) {
	if len(jobNames) == 0 {
		jobNames = DiagnosticsJobs
	}
	return BuildPlan(m.catalog, jobNames)
}

// StartDiagnostics runs jobNames (DiagnosticsJobs when empty) as a chain in
// the background. Only one chain runs at a time.
func (m *Manager) StartDiagnostics(jobNames []string) (*Plan, error) {
	plan, err := m.PlanDiagnostics(jobNames)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(plan.Steps))
	for i, step := range plan.Steps {
		names[i] = step.JobName
	}

	m.diagMu.Lock()
	defer m.diagMu.Unlock()
	if m.diagCancel != nil {
		return nil, ErrSequenceRunning
	}
	if m.ctx.Err() != nil {
		return nil, ErrCancelled
	}

	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.diagCancel = cancel
	m.diagDone = done

	go func() {
		defer close(done)
		defer cancel()

		outcome, err := m.sequencer.RunAll(ctx, names)
		var stepErr *StepError
		switch {
		case err == nil:
			m.logger.Infow("diagnostics succeeded", "steps", len(outcome.Steps))
		case errors.As(err, &stepErr):
			m.logger.Warnw("diagnostics failed", "job", stepErr.JobName, "error", stepErr.Reason)
		default:
			m.logger.Infow("diagnostics stopped", "error", err)
		}

		m.diagMu.Lock()
		if m.diagDone == done {
			m.diagCancel = nil
			m.diagDone = nil
		}
		m.diagMu.Unlock()
	}()

	return plan, nil
}

// CancelDiagnostics stops the running chain and waits for it to wind down.
// It reports whether a chain was running.
func (m *Manager) CancelDiagnostics() bool {
	m.diagMu.Lock()
	cancel, done := m.diagCancel, m.diagDone
	m.diagMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// Diagnostics reports the chain's progress or last outcome
func (m *Manager) Diagnostics() SequenceStatus {
	st := m.sequencer.Status()
	m.diagMu.Lock()
	if m.diagCancel != nil {
		st.Running = true
	}
	m.diagMu.Unlock()
	return st
}

// DiagnosticsLauncher exposes the launcher the chain runs on, for streaming
func (m *Manager) DiagnosticsLauncher() *Launcher {
	return m.diagLauncher
}
