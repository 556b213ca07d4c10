package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/vulnwatch/opsdash/backend"
)

// PollerState is the lifecycle of a single Poller
type PollerState string

const (
	PollerIdle      PollerState = "idle"
	PollerPolling   PollerState = "polling"
	PollerTerminal  PollerState = "terminal"
	PollerCancelled PollerState = "cancelled"
)

// ErrPollerStarted is returned by Start on a poller that has left Idle
var ErrPollerStarted = errors.New("poller already started or cancelled")

// StatusFunc fetches the runner's status for one task
type StatusFunc func(ctx context.Context, taskID string) (*backend.TaskStatus, error)

type fetchResult struct {
	status *backend.TaskStatus
	err    error
}

// Poller repeatedly fetches the status of one task until it reaches a
// terminal state or is cancelled. Callbacks run serially on the poller's
// own goroutine.
type Poller struct {
	taskID string
	fetch  StatusFunc
	config PollerConfig
	logger *zap.SugaredLogger

	mu         sync.Mutex
	state      PollerState
	current    Task
	inCallback bool
	stop       context.CancelFunc
	done       chan struct{}

	// deliverMu is held by the loop for the whole of one delivery
	deliverMu sync.Mutex

	skipped atomic.Int64
}

// NewPoller creates an idle poller for taskID
func NewPoller(taskID string, fetch StatusFunc, config PollerConfig, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{
		taskID: taskID,
		fetch:  fetch,
		config: config.withDefaults(),
		logger: logger.With("task_id", taskID),
		state:  PollerIdle,
		done:   make(chan struct{}),
	}
}

// Start begins polling. onUpdate receives every snapshot, the terminal one
// included; onTerminal receives the final snapshot exactly once. Cancelling
// ctx is equivalent to calling Cancel.
func (p *Poller) Start(ctx context.Context, seed Task, onUpdate, onTerminal func(Task)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PollerIdle {
		return ErrPollerStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.state = PollerPolling
	p.current = seed.Clone()

	go p.run(loopCtx, onUpdate, onTerminal)
	return nil
}

// Cancel stops scheduling further fetches. It is idempotent and safe to call
// before Start, after termination, or from inside a callback. No callback is
// started once Cancel returns: a delivery in progress is waited for, except
// when Cancel is called while one of its callbacks is running (which is the
// case when Cancel is called from a callback).
func (p *Poller) Cancel() {
	p.mu.Lock()
	wait := false
	switch p.state {
	case PollerIdle:
		p.state = PollerCancelled
		close(p.done)
	case PollerPolling:
		p.state = PollerCancelled
		p.stop()
		p.logger.Debugw("poller cancelled")
		wait = !p.inCallback
	case PollerTerminal:
		wait = !p.inCallback
	}
	p.mu.Unlock()

	if wait {
		p.deliverMu.Lock()
		p.deliverMu.Unlock() //nolint:staticcheck // waits for the delivery in progress
	}
}

// Done is closed once the polling loop has exited
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state
func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the latest applied snapshot
func (p *Poller) Current() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

// TaskID returns the polled task identifier
func (p *Poller) TaskID() string {
	return p.taskID
}

// Skipped counts ticks dropped because a fetch was still in flight
func (p *Poller) Skipped() int64 {
	return p.skipped.Load()
}

// run is the polling loop. At most one fetch is in flight; ticks that fire
// meanwhile are dropped, so responses are applied in request order.
func (p *Poller) run(ctx context.Context, onUpdate, onTerminal func(Task)) {
	defer close(p.done)
	defer p.markStopped()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	retry := p.newBackOff()
	results := make(chan fetchResult, 1)
	inFlight := false
	failures := 0
	var holdUntil time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if inFlight {
				p.skipped.Add(1)
				p.logger.Debugw("status request still pending, skipping tick")
				continue
			}
			if time.Now().Before(holdUntil) {
				continue
			}
			inFlight = true
			go p.fetchOnce(ctx, results)

		case res := <-results:
			inFlight = false
			if ctx.Err() != nil {
				return
			}

			if res.err != nil {
				failures++
				p.logger.Warnw("status request failed", "attempt", failures, "error", res.err)

				if limit := p.config.MaxConsecutiveFailures; limit > 0 && failures >= limit {
					reason := fmt.Sprintf("status unavailable after %d attempts: %v", failures, res.err)
					p.deliver(p.failedSnapshot(reason), true, onUpdate, onTerminal)
					return
				}

				advisory := p.Current().WithAdvisory(fmt.Sprintf("reconnecting: %v", res.err))
				if p.deliver(advisory, false, onUpdate, onTerminal) {
					return
				}
				delay := retry.NextBackOff()
				if delay == backoff.Stop {
					delay = p.config.MaxBackoff
				}
				holdUntil = time.Now().Add(delay - p.config.Interval)
				continue
			}

			failures = 0
			retry.Reset()
			holdUntil = time.Time{}

			next, err := FromStatus(p.Current(), res.status)
			if err != nil {
				p.logger.Warnw("ignoring status update", "error", err)
				continue
			}
			if p.deliver(next, true, onUpdate, onTerminal) {
				return
			}
		}
	}
}

func (p *Poller) fetchOnce(ctx context.Context, results chan<- fetchResult) {
	reqCtx := ctx
	if p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}

	status, err := p.fetch(reqCtx, p.taskID)
	if err == nil && status == nil {
		err = errors.New("empty status response")
	}
	results <- fetchResult{status: status, err: err}
}

// deliver applies next and invokes the callbacks. keep=false publishes an
// advisory snapshot without replacing the current one. It reports whether
// the loop must exit.
func (p *Poller) deliver(next Task, keep bool, onUpdate, onTerminal func(Task)) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.state != PollerPolling {
		p.mu.Unlock()
		return true
	}
	terminal := keep && next.IsTerminal()
	if keep {
		p.current = next.Clone()
	}
	if terminal {
		p.state = PollerTerminal
	}
	p.mu.Unlock()

	want := PollerPolling
	if terminal {
		want = PollerTerminal
		p.logger.Infow("task finished", "state", next.State)
	}
	if !p.invoke(onUpdate, next, want) {
		return true
	}
	if terminal {
		p.invoke(onTerminal, next, want)
	}
	return terminal
}

// invoke calls fn unless the poller left state want in the meantime. The
// inCallback flag is raised in the same critical section as the check.
func (p *Poller) invoke(fn func(Task), t Task, want PollerState) bool {
	p.mu.Lock()
	if p.state != want {
		p.mu.Unlock()
		return false
	}
	if fn == nil {
		p.mu.Unlock()
		return true
	}
	p.inCallback = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inCallback = false
		p.mu.Unlock()
	}()
	fn(t.Clone())
	return true
}

func (p *Poller) failedSnapshot(reason string) Task {
	cur := p.Current()
	cur.State = StateFailed
	cur.Error = reason
	cur.Result = nil
	cur.UpdatedAt = time.Now()
	return cur
}

func (p *Poller) markStopped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PollerPolling {
		p.state = PollerCancelled
	}
	p.stop()
}

// newBackOff grows the hold-off between attempts while the runner keeps
// failing. The first retry happens on the next tick.
func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.Interval
	b.MaxInterval = p.config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
