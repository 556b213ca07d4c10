package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/config"
	"github.com/vulnwatch/opsdash/logging"
)

const (
	Version = "0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// env carries what every command needs
type env struct {
	cfg    config.AppConfig
	client *backend.Client
	logger *zap.SugaredLogger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var showVersion bool
	root := flag.NewFlagSet("opsctl", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := root.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "opsctl version %s\n", Version)
		return 0
	}

	rest := root.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	e, err := newEnv(stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}
	defer func() { _ = e.logger.Sync() }()

	switch rest[0] {
	case "run":
		return runJob(ctx, e, rest[1:])
	case "diagnostics":
		return runDiagnostics(ctx, e, rest[1:])
	case "watch":
		return runWatch(ctx, e, rest[1:])
	case "history":
		return runHistory(ctx, e, rest[1:])
	case "last-run":
		return runLastRun(ctx, e, rest[1:])
	case "schedule":
		return runSchedule(ctx, e, rest[1:])
	case "unschedule":
		return runUnschedule(ctx, e, rest[1:])
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		printUsage(stderr)
		return 2
	}
}

func newEnv(stdout, stderr io.Writer) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.Backend.URL,
		JobsPrefix: cfg.Backend.JobsPrefix,
		Timeout:    cfg.Backend.Timeout,
		Token:      cfg.Backend.Token,
		OAuth2:     cfg.Backend.OAuth2(),
		Logger:     logger.With("component", "backend"),
	})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, client: client, logger: logger, stdout: stdout, stderr: stderr}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: opsctl [--version] <command> [flags] [args]

commands:
  run [--result-query expr] <job>        start a job and follow it to completion
  diagnostics [--dry-run] [job...]       run jobs in order, stopping at the first failure
  watch [--follow] <job|diagnostics>     follow a run started from the dashboard
  history                                list tasks known to the runner
  last-run [--result-query expr] <job>   show the most recent run of a job
  schedule --every <minutes> <job>       run a job periodically on the runner
  unschedule <job>                       stop a periodic job

configuration is read from the environment and .env (BACKEND_URL, POLL_INTERVAL, OPSDASH_URL, ...)`)
}
