package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/vulnwatch/opsdash/tasks"
)

// WatchOptions configure Watch
type WatchOptions struct {
	APIKey string

	// MaxReconnectWait caps the wait between reconnection attempts
	MaxReconnectWait time.Duration

	Logger *zap.SugaredLogger
}

// EventsURL is the SSE endpoint of a job on a dashboard at baseURL
func EventsURL(baseURL, jobName string) string {
	return strings.TrimRight(baseURL, "/") + "/api/jobs/" + jobName + "/events"
}

// DiagnosticsEventsURL is the SSE endpoint of the diagnostics chain
func DiagnosticsEventsURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/diagnostics/events"
}

// Watch subscribes to a dashboard snapshot stream and calls fn for every
// snapshot until fn returns true (Watch returns nil) or ctx is done (Watch
// returns ctx.Err()). Dropped connections are re-established with
// exponential backoff.
func Watch(parent context.Context, url string, opts WatchOptions, fn func(tasks.Task) bool) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	maxWait := opts.MaxReconnectWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	ctx, stop := context.WithCancel(parent)
	defer stop()
	finished := false

	client := sse.NewClient(url)
	client.Connection = &http.Client{}
	if opts.APIKey != "" {
		client.Headers["Authorization"] = "Bearer " + opts.APIKey
	}
	client.OnDisconnect(func(*sse.Client) {
		logger.Debugw("event stream disconnected", "url", url)
	})

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = maxWait
	retry.MaxElapsedTime = 0
	client.ReconnectStrategy = backoff.WithContext(retry, ctx)
	client.ReconnectNotify = func(err error, wait time.Duration) {
		logger.Warnw("event stream lost, reconnecting", "error", err, "wait", wait)
	}

	var decodeErr error
	err := client.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
		if ctx.Err() != nil || len(ev.Data) == 0 {
			return
		}
		if len(ev.Event) > 0 && string(ev.Event) != SnapshotEvent {
			return
		}

		var t tasks.Task
		if err := json.Unmarshal(ev.Data, &t); err != nil {
			decodeErr = fmt.Errorf("decode snapshot: %w", err)
			logger.Warnw("skipping undecodable event", "error", err)
			return
		}
		if fn(t) {
			finished = true
			stop()
		}
	})

	if finished {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if err == nil {
		err = decodeErr
	}
	if err == nil {
		err = errors.New("event stream closed")
	}
	return err
}
