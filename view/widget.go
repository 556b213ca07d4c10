// Package view renders task snapshots on a terminal.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vulnwatch/opsdash/tasks"
)

// DefaultBarWidth is the number of cells of the progress bar
const DefaultBarWidth = 20

// Widget prints one line per state change and each new log line once.
// It is the terminal counterpart of a dashboard job card.
type Widget struct {
	mu    sync.Mutex
	out   io.Writer
	label string
	width int
	query *ResultQuery

	taskID   string
	lastLine string
	lastLog  *tasks.LogLine
	printed  int
}

// Option customizes a Widget
type Option func(*Widget)

// WithBarWidth sets the progress bar width
func WithBarWidth(n int) Option {
	return func(w *Widget) {
		if n > 0 {
			w.width = n
		}
	}
}

// WithResultQuery filters the result through a JMESPath query before printing
func WithResultQuery(q *ResultQuery) Option {
	return func(w *Widget) { w.query = q }
}

// NewWidget creates a widget writing to out. label prefixes every line.
func NewWidget(out io.Writer, label string, opts ...Option) *Widget {
	w := &Widget{out: out, label: label, width: DefaultBarWidth}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Render prints what changed since the previous snapshot
func (w *Widget) Render(t tasks.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.ID != w.taskID {
		w.taskID = t.ID
		w.lastLine = ""
		w.lastLog = nil
		w.printed = 0
	}

	for _, entry := range w.newLogs(t.Logs) {
		if _, err := fmt.Fprintf(w.out, "[%s]   %s %s\n", w.label, entry.Time.Format("15:04:05"), entry.Text); err != nil {
			return err
		}
	}

	line := w.statusLine(t)
	if line == w.lastLine {
		return nil
	}
	w.lastLine = line
	if _, err := fmt.Fprintln(w.out, line); err != nil {
		return err
	}

	if t.State == tasks.StateSucceeded && len(t.Result) > 0 {
		return w.renderResult(t.Result)
	}
	return nil
}

// Follow renders snapshots from l until a terminal one arrives or ctx is done.
// It returns the last snapshot seen.
func (w *Widget) Follow(ctx context.Context, l *tasks.Launcher) (tasks.Task, error) {
	ch, unsub := l.Subscribe()
	defer unsub()

	var last tasks.Task
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case t, ok := <-ch:
			if !ok {
				return last, tasks.ErrCancelled
			}
			last = t
			if err := w.Render(t); err != nil {
				return last, err
			}
			if t.IsTerminal() {
				return last, nil
			}
		}
	}
}

func (w *Widget) statusLine(t tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", w.label)

	switch t.State {
	case tasks.StateFailed:
		b.WriteString("failed: ")
		b.WriteString(t.Error)
		return b.String()
	case tasks.StateSucceeded:
		b.WriteString(ProgressBar(100, w.width))
		b.WriteString(" succeeded")
		return b.String()
	}

	pct := 0
	if t.Progress != nil {
		pct = *t.Progress
	}
	b.WriteString(ProgressBar(pct, w.width))
	fmt.Fprintf(&b, " %3d%% %s", pct, t.State)
	if t.Message != "" {
		b.WriteString("  ")
		b.WriteString(t.Message)
	}
	return b.String()
}

// newLogs returns the entries not printed yet. The runner sends its whole
// buffer every time, appends in order and may have trimmed its head, so the
// last printed entry is located by position first and by content second.
// Timestamps are not unique.
func (w *Widget) newLogs(logs []tasks.LogLine) []tasks.LogLine {
	start := 0
	if w.lastLog != nil {
		start = w.resumeIndex(logs)
	}
	w.printed = len(logs)
	if start >= len(logs) {
		return nil
	}

	fresh := logs[start:]
	last := fresh[len(fresh)-1]
	w.lastLog = &last
	return fresh
}

func (w *Widget) resumeIndex(logs []tasks.LogLine) int {
	if n := w.printed; n > 0 && n <= len(logs) && sameLogLine(logs[n-1], *w.lastLog) {
		return n
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if sameLogLine(logs[i], *w.lastLog) {
			return i + 1
		}
	}
	// The last printed entry was trimmed away.
	for i, entry := range logs {
		if entry.Time.After(w.lastLog.Time) {
			return i
		}
	}
	return len(logs)
}

func sameLogLine(a, b tasks.LogLine) bool {
	return a.Time.Equal(b.Time) && a.Text == b.Text
}

func (w *Widget) renderResult(raw json.RawMessage) error {
	value, err := w.query.Apply(raw)
	if err != nil {
		_, werr := fmt.Fprintf(w.out, "[%s] result query failed: %v\n", w.label, err)
		return werr
	}
	text, err := FormatResult(value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.out, "%s\n", text)
	return err
}

// ProgressBar draws pct (clamped to 0-100) as a fixed width ASCII bar
func ProgressBar(pct, width int) string {
	if width <= 0 {
		width = DefaultBarWidth
	}
	pct = max(0, min(100, pct))
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
