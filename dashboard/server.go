// Package dashboard serves the operator dashboard API: job triggers, live
// task snapshots over SSE and WebSocket, and the diagnostics chain.
package dashboard

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/tasks"
)

// History is the part of the runner API the dashboard passes through as-is
type History interface {
	List(ctx context.Context) ([]backend.TaskStatus, error)
	LastRun(ctx context.Context, jobName string) (*backend.TaskStatus, error)
	Schedule(ctx context.Context, req backend.ScheduleRequest) (*backend.ScheduleResponse, error)
	Unschedule(ctx context.Context, jobName string) (*backend.ScheduleResponse, error)
}

// Options configure a Server
type Options struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
	Manager     *tasks.Manager
	History     History
	Logger      *zap.SugaredLogger
}

// Server is the dashboard HTTP server
type Server struct {
	addr    string
	apiKey  string
	origins []string
	manager *tasks.Manager
	history History
	logger  *zap.SugaredLogger

	events   *sse.Server
	upgrader websocket.Upgrader
	handler  http.Handler

	relayMu sync.Mutex
	unsubs  []func()
	relays  sync.WaitGroup
	closed  bool
}

// NewServer wires routes and starts relaying launcher snapshots to SSE streams
func NewServer(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("dashboard requires a task manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		addr:    opts.Addr,
		apiKey:  opts.APIKey,
		origins: opts.CORSOrigins,
		manager: opts.Manager,
		history: opts.History,
		logger:  logger,
		events:  newEventServer(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = s.corsMiddleware(s.authMiddleware(mux))

	if err := s.startRelays(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{name}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{name}/run", s.handleRunJob)
	mux.HandleFunc("POST /api/jobs/{name}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{name}/events", s.handleJobEvents)
	mux.HandleFunc("GET /api/jobs/{name}/ws", s.handleJobSocket)
	mux.HandleFunc("GET /api/jobs/{name}/last-run", s.handleLastRun)

	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/schedules", s.handleSchedule)
	mux.HandleFunc("DELETE /api/schedules/{name}", s.handleUnschedule)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)

	mux.HandleFunc("POST /api/diagnostics", s.handleStartDiagnostics)
	mux.HandleFunc("DELETE /api/diagnostics", s.handleCancelDiagnostics)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnosticsStatus)
	mux.HandleFunc("GET /api/diagnostics/events", s.handleDiagnosticsEvents)
}

// Handler returns the routed handler with CORS and auth applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams are long-lived
		IdleTimeout:  120 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tc, ok := c.(*net.TCPConn); ok {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(30 * time.Second)
			}
			return ctx
		},
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("dashboard listening", "addr", s.addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Streams must end before Shutdown can drain their connections.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the relays and disconnects stream subscribers
func (s *Server) Close() {
	s.relayMu.Lock()
	if s.closed {
		s.relayMu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.relayMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.relays.Wait()
	s.events.Close()
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the bearer API key. EventSource and WebSocket clients
// cannot set headers, so the key is also accepted as ?api_key=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if provided == "" {
			provided = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid API key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
