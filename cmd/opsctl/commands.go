package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/dashboard"
	"github.com/vulnwatch/opsdash/tasks"
	"github.com/vulnwatch/opsdash/view"
)

// exitInterrupted is the conventional status for a run stopped by SIGINT
const exitInterrupted = 130

func runJob(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var query string
	var width int
	fs.StringVar(&query, "result-query", "", "JMESPath expression applied to the job result")
	fs.IntVar(&width, "bar-width", view.DefaultBarWidth, "progress bar width")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "run requires exactly one job name")
		return 2
	}
	name := fs.Arg(0)
	if !checkJob(e, name) {
		return 2
	}
	q, err := view.NewResultQuery(query)
	if err != nil {
		fmt.Fprintln(e.stderr, err)
		return 2
	}

	l, err := e.launcher(nil)
	if err != nil {
		fmt.Fprintf(e.stderr, "launcher: %v\n", err)
		return 1
	}
	defer l.Close()

	w := view.NewWidget(e.stdout, name, view.WithBarWidth(width), view.WithResultQuery(q))
	l.Run(ctx, name)
	final, err := w.Follow(ctx, l)
	return exitStatus(ctx, e, final, err)
}

func runDiagnostics(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var dryRun bool
	var query string
	fs.BoolVar(&dryRun, "dry-run", false, "print the steps without submitting anything")
	fs.StringVar(&query, "result-query", "", "JMESPath expression applied to each job result")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	names := fs.Args()
	if len(names) == 0 {
		names = tasks.DiagnosticsJobs
	}
	plan, err := tasks.BuildPlan(tasks.DefaultCatalog(), names)
	if err != nil {
		fmt.Fprintln(e.stderr, err)
		return 2
	}
	if dryRun {
		printPlan(e.stdout, plan)
		return 0
	}
	q, err := view.NewResultQuery(query)
	if err != nil {
		fmt.Fprintln(e.stderr, err)
		return 2
	}

	// Snapshot callbacks are serialized by the launcher.
	widgets := make(map[string]*view.Widget)
	render := func(t tasks.Task) {
		w, ok := widgets[t.JobName]
		if !ok {
			w = view.NewWidget(e.stdout, t.JobName, view.WithResultQuery(q))
			widgets[t.JobName] = w
		}
		if err := w.Render(t); err != nil {
			e.logger.Debugw("render failed", "job", t.JobName, "error", err)
		}
	}

	l, err := e.launcher(render)
	if err != nil {
		fmt.Fprintf(e.stderr, "launcher: %v\n", err)
		return 1
	}
	defer l.Close()

	seq, err := tasks.NewSequencer(tasks.SequencerOptions{
		Runner: l,
		Logger: e.logger.With("component", "sequencer"),
	})
	if err != nil {
		fmt.Fprintf(e.stderr, "sequencer: %v\n", err)
		return 1
	}

	outcome, err := seq.RunAll(ctx, names)
	printOutcome(e.stdout, outcome, len(names))

	var stepErr *tasks.StepError
	switch {
	case errors.Is(err, tasks.ErrCancelled):
		fmt.Fprintln(e.stderr, "diagnostics cancelled")
		return exitInterrupted
	case errors.As(err, &stepErr):
		fmt.Fprintf(e.stderr, "diagnostics stopped: %v\n", stepErr)
		return 1
	case err != nil:
		fmt.Fprintf(e.stderr, "diagnostics: %v\n", err)
		return 1
	}
	return 0
}

func runWatch(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var baseURL, apiKey, query string
	var follow bool
	fs.StringVar(&baseURL, "dashboard", e.cfg.Watch.DashboardURL, "dashboard base URL")
	fs.StringVar(&apiKey, "api-key", e.cfg.HTTP.APIKey, "dashboard API key")
	fs.StringVar(&query, "result-query", "", "JMESPath expression applied to the job result")
	fs.BoolVar(&follow, "follow", false, "keep watching after the run finishes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "watch requires a job name or \"diagnostics\"")
		return 2
	}
	q, err := view.NewResultQuery(query)
	if err != nil {
		fmt.Fprintln(e.stderr, err)
		return 2
	}

	target := fs.Arg(0)
	var url string
	if target == "diagnostics" {
		// A chain emits one terminal snapshot per step.
		url = dashboard.DiagnosticsEventsURL(baseURL)
		follow = true
	} else {
		if !checkJob(e, target) {
			return 2
		}
		url = dashboard.EventsURL(baseURL, target)
	}

	widgets := make(map[string]*view.Widget)
	var last tasks.Task
	err = dashboard.Watch(ctx, url, dashboard.WatchOptions{
		APIKey:           apiKey,
		MaxReconnectWait: e.cfg.Watch.MaxReconnectWait,
		Logger:           e.logger.With("component", "watch"),
	}, func(t tasks.Task) bool {
		last = t
		w, ok := widgets[t.JobName]
		if !ok {
			w = view.NewWidget(e.stdout, t.JobName, view.WithResultQuery(q))
			widgets[t.JobName] = w
		}
		if err := w.Render(t); err != nil {
			e.logger.Debugw("render failed", "job", t.JobName, "error", err)
		}
		return !follow && t.IsTerminal()
	})

	if follow && ctx.Err() != nil {
		return 0
	}
	return exitStatus(ctx, e, last, err)
}

func runHistory(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var limit int
	fs.IntVar(&limit, "limit", 20, "maximum number of tasks to show (0 shows all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	list, err := e.client.List(ctx)
	if err != nil {
		fmt.Fprintf(e.stderr, "history: %v\n", err)
		return 1
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	printHistory(e.stdout, list)
	return 0
}

func runLastRun(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("last-run", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var query string
	fs.StringVar(&query, "result-query", "", "JMESPath expression applied to the job result")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "last-run requires exactly one job name")
		return 2
	}
	name := fs.Arg(0)
	q, err := view.NewResultQuery(query)
	if err != nil {
		fmt.Fprintln(e.stderr, err)
		return 2
	}

	status, err := e.client.LastRun(ctx, name)
	if err != nil {
		fmt.Fprintf(e.stderr, "last-run: %v\n", err)
		return 1
	}
	if status == nil {
		fmt.Fprintf(e.stdout, "no runs recorded for %s\n", name)
		return 0
	}

	t, err := tasks.FromStatus(tasks.Task{ID: status.ID, JobName: name}, status)
	if err != nil {
		fmt.Fprintf(e.stderr, "last-run: %v\n", err)
		return 1
	}
	fmt.Fprintf(e.stdout, "task %s\n", t.ID)
	if err := view.NewWidget(e.stdout, name, view.WithResultQuery(q)).Render(t); err != nil {
		fmt.Fprintf(e.stderr, "last-run: %v\n", err)
		return 1
	}
	return 0
}

func runSchedule(ctx context.Context, e *env, args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var minutes int
	var disabled bool
	fs.IntVar(&minutes, "every", 0, "interval in minutes")
	fs.BoolVar(&disabled, "disabled", false, "register the schedule without enabling it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || minutes <= 0 {
		fmt.Fprintln(e.stderr, "schedule requires --every <minutes> and one job name")
		return 2
	}
	name := fs.Arg(0)
	if !checkJob(e, name) {
		return 2
	}

	enabled := !disabled
	resp, err := e.client.Schedule(ctx, backend.ScheduleRequest{Name: name, Minutes: minutes, Enabled: &enabled})
	if err != nil {
		fmt.Fprintf(e.stderr, "schedule: %v\n", err)
		return 1
	}
	fmt.Fprintf(e.stdout, "%s: %s every %dm\n", resp.Status, name, minutes)
	return 0
}

func runUnschedule(ctx context.Context, e *env, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(e.stderr, "unschedule requires exactly one job name")
		return 2
	}
	resp, err := e.client.Unschedule(ctx, args[0])
	if err != nil {
		fmt.Fprintf(e.stderr, "unschedule: %v\n", err)
		return 1
	}
	fmt.Fprintf(e.stdout, "%s: %s\n", resp.Status, args[0])
	return 0
}

func (e *env) launcher(onSnapshot func(tasks.Task)) (*tasks.Launcher, error) {
	return tasks.NewLauncher(tasks.LauncherOptions{
		Backend:    e.client,
		Poller:     e.cfg.Poller.Tasks(),
		Logger:     e.logger.With("component", "launcher"),
		OnSnapshot: onSnapshot,
	})
}

func checkJob(e *env, name string) bool {
	catalog := tasks.DefaultCatalog()
	if catalog.Has(name) {
		return true
	}
	fmt.Fprintf(e.stderr, "unknown job %q (known: %s)\n", name, strings.Join(catalog.Names(), ", "))
	return false
}

func exitStatus(ctx context.Context, e *env, final tasks.Task, err error) int {
	switch {
	case ctx.Err() != nil:
		fmt.Fprintln(e.stderr, "interrupted")
		return exitInterrupted
	case err != nil:
		fmt.Fprintf(e.stderr, "error: %v\n", err)
		return 1
	case final.State == tasks.StateFailed:
		return 1
	}
	return 0
}

func printPlan(w io.Writer, plan *tasks.Plan) {
	for _, step := range plan.Steps {
		fmt.Fprintf(w, "%d. %s (%s): %s\n", step.Step, step.Title, step.JobName, step.Description)
	}
	for _, warning := range plan.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func printOutcome(w io.Writer, outcome tasks.Outcome, total int) {
	fmt.Fprintf(w, "diagnostics %s: %d/%d steps", outcome.State, len(outcome.Steps), total)
	if outcome.FailedJob != "" {
		fmt.Fprintf(w, ", stopped at %s", outcome.FailedJob)
	}
	if !outcome.StartedAt.IsZero() && !outcome.FinishedAt.IsZero() {
		fmt.Fprintf(w, " in %s", outcome.FinishedAt.Sub(outcome.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}

func printHistory(w io.Writer, list []backend.TaskStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tSTATE\tPROGRESS\tSTARTED")
	for _, s := range list {
		progress := "-"
		if s.Progress != nil {
			progress = fmt.Sprintf("%.0f%%", *s.Progress)
		}
		started := "-"
		if s.StartedAt != nil {
			started = time.Unix(int64(*s.StartedAt), 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.State, progress, started)
	}
	_ = tw.Flush()
}
