package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"

	"github.com/vulnwatch/opsdash/tasks"
)

// SnapshotEvent is the SSE event name carrying a JSON encoded tasks.Task
const SnapshotEvent = "snapshot"

const diagnosticsStream = "chain:diagnostics"

func jobStream(name string) string {
	return "job:" + name
}

// newEventServer returns an SSE server that only relays live snapshots.
// New subscribers read the current snapshot from the JSON endpoints.
func newEventServer() *sse.Server {
	events := sse.New()
	events.AutoStream = false
	events.AutoReplay = false
	events.Headers = map[string]string{"X-Accel-Buffering": "no"}
	return events
}

func (s *Server) startRelays() error {
	for _, name := range s.manager.Catalog().Names() {
		l, err := s.manager.Launcher(name)
		if err != nil {
			return err
		}
		s.relay(jobStream(name), l)
	}
	s.relay(diagnosticsStream, s.manager.DiagnosticsLauncher())
	return nil
}

// relay publishes every snapshot of l to an SSE stream until the launcher
// closes or the server is closed
func (s *Server) relay(stream string, l *tasks.Launcher) {
	s.events.CreateStream(stream)
	q, unsub := l.SubscribeQueue()

	s.relayMu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.relayMu.Unlock()

	s.relays.Add(1)
	go func() {
		defer s.relays.Done()
		for {
			t, ok := q.Next()
			if !ok {
				return
			}
			data, err := json.Marshal(t)
			if err != nil {
				s.logger.Warnw("snapshot not encodable", "stream", stream, "error", err)
				continue
			}
			s.events.Publish(stream, &sse.Event{Event: []byte(SnapshotEvent), Data: data})
		}
	}()
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.manager.Catalog().Has(name) {
		s.writeTaskError(w, fmt.Errorf("%w: %q", tasks.ErrUnknownJob, name))
		return
	}
	s.serveStream(w, r, jobStream(name))
}

func (s *Server) handleDiagnosticsEvents(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, diagnosticsStream)
}

// serveStream hands the request to the SSE server, which selects the stream
// from the query string
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, stream string) {
	req := r.Clone(r.Context())
	q := req.URL.Query()
	q.Set("stream", stream)
	req.URL.RawQuery = q.Encode()

	s.logger.Debugw("event stream subscriber", "stream", stream, "remote", r.RemoteAddr)
	s.events.ServeHTTP(w, req)
}
