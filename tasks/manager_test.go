package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/mocks"
	"github.com/vulnwatch/opsdash/tasks"
)

func newManager(t *testing.T, b tasks.Backend) *tasks.Manager {
	t.Helper()
	m, err := tasks.NewManager(tasks.ManagerOptions{
		Backend:         b,
		Poller:          fastPoll,
		CleanupInterval: 10 * time.Millisecond,
		Logger:          zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func TestNewManagerRequiresBackend(t *testing.T) {
	_, err := tasks.NewManager(tasks.ManagerOptions{})
	assert.ErrorIs(t, err, tasks.ErrBackendRequired)
}

func TestManagerStartJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	b.EXPECT().Status(gomock.Any(), "p-1").Return(status("success"), nil)

	m := newManager(t, b)
	job, err := m.StartJob(context.Background(), "parser")
	require.NoError(t, err)

	final, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSucceeded, final.State)

	stored, err := m.Get("p-1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSucceeded, stored.State)

	list, _, err := m.List("", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "parser", list[0].JobName)
}

func TestManagerUnknownJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, mocks.NewMockBackend(ctrl))

	_, err := m.StartJob(context.Background(), "backup")
	assert.ErrorIs(t, err, tasks.ErrUnknownJob)
	assert.ErrorIs(t, m.CancelJob("backup"), tasks.ErrUnknownJob)

	_, err = m.StartDiagnostics([]string{"parser", "backup"})
	assert.ErrorIs(t, err, tasks.ErrUnknownJob)
}

func TestManagerJobsAreIndependent(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	b.EXPECT().Status(gomock.Any(), "p-1").Return(status("running"), nil).AnyTimes()
	b.EXPECT().Submit(gomock.Any(), "alerts").Return("a-1", nil)
	b.EXPECT().Status(gomock.Any(), "a-1").Return(status("success"), nil)

	m := newManager(t, b)
	parser, err := m.StartJob(context.Background(), "parser")
	require.NoError(t, err)
	alerts, err := m.StartJob(context.Background(), "alerts")
	require.NoError(t, err)

	_, err = alerts.Wait(context.Background())
	require.NoError(t, err)

	l, err := m.Launcher("parser")
	require.NoError(t, err)
	assert.True(t, l.Active(), "starting alerts must not touch the parser run")

	require.NoError(t, m.CancelJob("parser"))
	_, err = parser.Wait(context.Background())
	assert.ErrorIs(t, err, tasks.ErrCancelled)
}

func TestManagerDiagnostics(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	for _, name := range tasks.DiagnosticsJobs {
		b.EXPECT().Submit(gomock.Any(), name).Return(name+"-id", nil)
		b.EXPECT().Status(gomock.Any(), name+"-id").Return(status("success"), nil)
	}

	m := newManager(t, b)
	plan, err := m.StartDiagnostics(nil)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 4)

	require.Eventually(t, func() bool { return !m.Diagnostics().Running }, 2*time.Second, time.Millisecond)

	st := m.Diagnostics()
	require.NotNil(t, st.Outcome)
	assert.Equal(t, tasks.OutcomeSucceeded, st.Outcome.State)
	assert.Len(t, st.Outcome.Steps, 4)

	_, err = m.Get("reports-id")
	assert.NoError(t, err, "chain snapshots are recorded too")
}

func TestManagerDiagnosticsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	b.EXPECT().Status(gomock.Any(), "p-1").Return(status("success"), nil)
	b.EXPECT().Submit(gomock.Any(), "matching").Return("m-1", nil)
	b.EXPECT().Status(gomock.Any(), "m-1").Return(&backend.TaskStatus{State: "failed", Msg: "bad feed"}, nil)

	m := newManager(t, b)
	_, err := m.StartDiagnostics(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !m.Diagnostics().Running }, 2*time.Second, time.Millisecond)
	st := m.Diagnostics()
	require.NotNil(t, st.Outcome)
	assert.Equal(t, tasks.OutcomeFailed, st.Outcome.State)
	assert.Equal(t, "matching", st.Outcome.FailedJob)
	assert.Equal(t, "bad feed", st.Outcome.Error)
}

func TestManagerCancelDiagnostics(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Submit(gomock.Any(), "parser").Return("p-1", nil)
	b.EXPECT().Status(gomock.Any(), "p-1").Return(status("running"), nil).AnyTimes()

	m := newManager(t, b)
	assert.False(t, m.CancelDiagnostics(), "nothing to cancel yet")

	_, err := m.StartDiagnostics(nil)
	require.NoError(t, err)
	assert.True(t, m.Diagnostics().Running)

	_, err = m.StartDiagnostics(nil)
	assert.ErrorIs(t, err, tasks.ErrSequenceRunning)

	require.Eventually(t, m.DiagnosticsLauncher().Active, 2*time.Second, time.Millisecond)
	assert.True(t, m.CancelDiagnostics())

	st := m.Diagnostics()
	assert.False(t, st.Running)
	require.NotNil(t, st.Outcome)
	assert.Equal(t, tasks.OutcomeCancelled, st.Outcome.State)
}

func TestManagerPlanDiagnostics(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, mocks.NewMockBackend(ctrl))

	plan, err := m.PlanDiagnostics([]string{"alerts"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "Alert Engine", plan.Steps[0].Title)

	plan, err = m.PlanDiagnostics(nil)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, len(tasks.DiagnosticsJobs))
}

func TestManagerMaintainStopsWithContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newManager(t, mocks.NewMockBackend(ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Maintain(ctx) }()

	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Maintain did not return")
	}
}
