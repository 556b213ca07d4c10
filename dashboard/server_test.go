package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/mocks"
	"github.com/vulnwatch/opsdash/tasks"
)

const testAPIKey = "test-key"

type fakeHistory struct {
	list      []backend.TaskStatus
	lastRun   *backend.TaskStatus
	err       error
	scheduled []backend.ScheduleRequest
}

func (f *fakeHistory) List(context.Context) ([]backend.TaskStatus, error) { return f.list, f.err }

func (f *fakeHistory) LastRun(context.Context, string) (*backend.TaskStatus, error) {
	return f.lastRun, f.err
}

func (f *fakeHistory) Schedule(_ context.Context, req backend.ScheduleRequest) (*backend.ScheduleResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.scheduled = append(f.scheduled, req)
	return &backend.ScheduleResponse{Status: "scheduled", Name: req.Name}, nil
}

func (f *fakeHistory) Unschedule(_ context.Context, name string) (*backend.ScheduleResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &backend.ScheduleResponse{Status: "unscheduled", Name: name}, nil
}

type testEnv struct {
	url     string
	backend *mocks.MockBackend
	history *fakeHistory
	manager *tasks.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	logger := zaptest.NewLogger(t).Sugar()

	m, err := tasks.NewManager(tasks.ManagerOptions{
		Backend: b,
		Poller:  tasks.PollerConfig{Interval: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		Logger:  logger,
	})
	require.NoError(t, err)

	history := &fakeHistory{}
	srv, err := NewServer(Options{
		APIKey:      testAPIKey,
		CORSOrigins: []string{"http://dash.local"},
		Manager:     m,
		History:     history,
		Logger:      zap.NewNop().Sugar(), // hijacked websocket handlers can outlive the test
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	t.Cleanup(m.Shutdown)

	return &testEnv{url: ts.URL, backend: b, history: history, manager: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.url+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthSkipsAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(env.url + "/api/jobs?api_key=" + testAPIKey)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.url+"/api/jobs", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://dash.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodOptions, env.url+"/api/jobs", nil)
	req.Header.Set("Origin", "http://evil.local")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	jobs := decode[[]JobView](t, resp)
	require.Len(t, jobs, 4)
	assert.Equal(t, "parser", jobs[0].Name)
	assert.Equal(t, "Log Parser", jobs[0].Title)
	assert.Nil(t, jobs[0].Task)
	assert.False(t, jobs[0].Active)
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	env.backend.EXPECT().Status(gomock.Any(), "p-1").Return(&backend.TaskStatus{State: "success"}, nil)

	resp := env.do(t, http.MethodPost, "/api/jobs/parser/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[tasks.Task](t, resp)
	assert.Equal(t, "p-1", task.ID)
	assert.Equal(t, tasks.StatePending, task.State)

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/tasks/p-1", nil)
		return resp.StatusCode == http.StatusOK && decode[tasks.Task](t, resp).State == tasks.StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	view := decode[JobView](t, env.do(t, http.MethodGet, "/api/jobs/parser", nil))
	require.NotNil(t, view.Task)
	assert.Equal(t, tasks.StateSucceeded, view.Task.State)

	page := decode[TaskPage](t, env.do(t, http.MethodGet, "/api/tasks?limit=10", nil))
	require.Len(t, page.Tasks, 1)
	assert.Empty(t, page.NextCursor)
}

func TestRunJobSubmitFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), "alerts").Return("", &backend.APIError{StatusCode: 500, Detail: "boom"})

	resp := env.do(t, http.MethodPost, "/api/jobs/alerts/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[tasks.Task](t, resp)
	assert.Equal(t, tasks.StateFailed, task.State)
	assert.Contains(t, task.Error, "boom")
}

func TestUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/jobs/backup", "/api/jobs/backup/last-run", "/api/jobs/backup/events"} {
		resp := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := env.do(t, http.MethodPost, "/api/jobs/backup/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_job", decode[ErrorBody](t, resp).Error)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), "reports").Return("r-1", nil)
	env.backend.EXPECT().Status(gomock.Any(), "r-1").Return(&backend.TaskStatus{State: "running"}, nil).AnyTimes()

	env.do(t, http.MethodPost, "/api/jobs/reports/run", nil)
	l, err := env.manager.Launcher("reports")
	require.NoError(t, err)
	require.Eventually(t, l.Active, time.Second, time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/jobs/reports/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[JobView](t, resp)
	assert.False(t, view.Active)
	require.NotNil(t, view.Task)
	assert.Equal(t, "r-1", view.Task.ID)
}

func TestDiagnosticsDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), gomock.Any()).Times(0)

	resp := env.do(t, http.MethodPost, "/api/diagnostics?dry_run=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decode[tasks.Plan](t, resp)
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, "reports", plan.Steps[3].JobName)

	resp = env.do(t, http.MethodPost, "/api/diagnostics?dry_run=true", DiagnosticsRequest{Jobs: []string{"alerts", "nope"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiagnosticsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	env.backend.EXPECT().Status(gomock.Any(), "p-1").Return(&backend.TaskStatus{State: "running"}, nil).AnyTimes()
	env.backend.EXPECT().Submit(gomock.Any(), "matching").Times(0)

	resp := env.do(t, http.MethodPost, "/api/diagnostics", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/diagnostics", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	status := decode[tasks.SequenceStatus](t, env.do(t, http.MethodGet, "/api/diagnostics", nil))
	assert.True(t, status.Running)
	assert.Equal(t, tasks.DiagnosticsJobs, status.Jobs)

	require.Eventually(t, env.manager.DiagnosticsLauncher().Active, 2*time.Second, time.Millisecond)

	cancelled := decode[map[string]bool](t, env.do(t, http.MethodDelete, "/api/diagnostics", nil))
	assert.True(t, cancelled["cancelled"])

	status = decode[tasks.SequenceStatus](t, env.do(t, http.MethodGet, "/api/diagnostics", nil))
	assert.False(t, status.Running)
	require.NotNil(t, status.Outcome)
	assert.Equal(t, tasks.OutcomeCancelled, status.Outcome.State)
}

func TestHistoryPassThrough(t *testing.T) {
	env := newTestEnv(t)
	started := 1700000000.0
	env.history.list = []backend.TaskStatus{{ID: "h-1", Name: "parser", State: "success", StartedAt: &started}}
	env.history.lastRun = &backend.TaskStatus{ID: "h-1", State: "success"}

	list := decode[[]backend.TaskStatus](t, env.do(t, http.MethodGet, "/api/history", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "h-1", list[0].ID)

	last := decode[map[string]json.RawMessage](t, env.do(t, http.MethodGet, "/api/jobs/parser/last-run", nil))
	assert.Contains(t, string(last["last_run"]), `"h-1"`)

	env.history.err = &backend.APIError{StatusCode: http.StatusNotFound, Detail: "no such job"}
	resp := env.do(t, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.history.err = &backend.APIError{StatusCode: http.StatusInternalServerError}
	resp = env.do(t, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/schedules", backend.ScheduleRequest{Name: "alerts", Minutes: 15})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.history.scheduled, 1)
	assert.Equal(t, 15, env.history.scheduled[0].Minutes)

	resp = env.do(t, http.MethodPost, "/api/schedules", backend.ScheduleRequest{Name: "alerts"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/schedules", backend.ScheduleRequest{Name: "backup", Minutes: 5})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/schedules", map[string]any{"name": "alerts", "every": "5m"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/schedules/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unscheduled", decode[backend.ScheduleResponse](t, resp).Status)
}

func TestTasksInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/tasks?limit=x", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/tasks?cursor=nope", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/tasks/nope", nil).StatusCode)
}

func TestWatchJobEvents(t *testing.T) {
	env := newTestEnv(t)

	var finish atomic.Bool
	env.backend.EXPECT().Submit(gomock.Any(), "matching").Return("m-1", nil)
	env.backend.EXPECT().Status(gomock.Any(), "m-1").DoAndReturn(
		func(context.Context, string) (*backend.TaskStatus, error) {
			if finish.Load() {
				return &backend.TaskStatus{State: "success", Result: []byte(`{"matches":7}`)}, nil
			}
			return &backend.TaskStatus{State: "running", Msg: "correlating"}, nil
		}).AnyTimes()

	env.do(t, http.MethodPost, "/api/jobs/matching/run", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []tasks.Task
	err := Watch(ctx, EventsURL(env.url, "matching"), WatchOptions{APIKey: testAPIKey}, func(t tasks.Task) bool {
		seen = append(seen, t)
		if t.State == tasks.StateRunning {
			finish.Store(true)
		}
		return t.IsTerminal()
	})
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, "m-1", last.ID)
	assert.Equal(t, tasks.StateSucceeded, last.State)
	assert.JSONEq(t, `{"matches":7}`, string(last.Result))
}

func TestWatchHonoursContext(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Watch(ctx, EventsURL(env.url, "parser"), WatchOptions{APIKey: testAPIKey}, func(tasks.Task) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobSocket(t *testing.T) {
	env := newTestEnv(t)
	env.backend.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	env.backend.EXPECT().Status(gomock.Any(), "p-1").Return(&backend.TaskStatus{State: "running"}, nil).AnyTimes()

	env.do(t, http.MethodPost, "/api/jobs/parser/run", nil)

	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/api/jobs/parser/ws?api_key=" + testAPIKey
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first tasks.Task
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "p-1", first.ID)

	var next tasks.Task
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, tasks.StateRunning, next.State)
}

func TestJobSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/api/jobs/parser/ws?api_key=" + testAPIKey
	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
