package propagation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/health"
	"github.com/BaSui01/knowmesh/integrity"
	"github.com/BaSui01/knowmesh/report"
	"github.com/BaSui01/knowmesh/types"
)

// fakeHealth optionally blocks until release is closed.
type fakeHealth struct {
	entered chan struct{}
	release chan struct{}
	err     error
	calls   atomic.Int32
}

func (f *fakeHealth) Run(context.Context) (*health.Report, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &health.Report{Status: health.StatusHealthy}, nil
}

type fakeIntegrity struct {
	status integrity.Status
	err    error
}

func (f fakeIntegrity) Run(context.Context) (*integrity.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &integrity.Report{Version: "v1", Status: f.status, Missing: []string{"x"}}, nil
}

type fakeExporter struct {
	n      int
	err    error
	policy exchange.SharePolicy
}

func (f *fakeExporter) ShareArtifacts(_ context.Context, p exchange.SharePolicy) (int, error) {
	f.policy = p
	return f.n, f.err
}

type fakeRegistry struct {
	mu         sync.Mutex
	persistErr error
	beatErr    error
	persisted  int
	beats      []string
}

func (f *fakeRegistry) Persist(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted++
	return f.persistErr
}

func (f *fakeRegistry) Heartbeat(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, id)
	return f.beatErr
}

func healthySteps() (Steps, *fakeExporter, *fakeRegistry) {
	exp := &fakeExporter{n: 4}
	reg := &fakeRegistry{}
	return Steps{
		Health:    &fakeHealth{},
		Integrity: fakeIntegrity{status: integrity.StatusIntact},
		Exporter:  exp,
		Registry:  reg,
	}, exp, reg
}

func TestRunCycle_Success(t *testing.T) {
	steps, exp, reg := healthySteps()
	w, err := report.NewWriter(t.TempDir(), "self", nil)
	require.NoError(t, err)
	s := New(Config{NodeID: "self", ExportTarget: "peer"}, steps, zap.NewNop(), WithReports(w))

	rec, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.True(t, rec.HealthChecked)
	assert.Equal(t, "healthy", rec.HealthStatus)
	assert.True(t, rec.IntegrityChecked)
	assert.Equal(t, "intact", rec.IntegrityStatus)
	assert.Equal(t, 4, rec.Exported)
	assert.True(t, rec.RegistryPersisted)
	assert.True(t, rec.HeartbeatSent)
	assert.Empty(t, rec.Errors)
	assert.NotEmpty(t, rec.ID)

	assert.Equal(t, "peer", exp.policy.Target)
	assert.Equal(t, []string{"self"}, reg.beats)

	require.NotEmpty(t, rec.ReportPath)
	_, err = os.Stat(rec.ReportPath)
	assert.NoError(t, err)
	assert.Len(t, s.History(), 1)
}

func TestRunCycle_FailuresAreIsolated(t *testing.T) {
	steps, _, reg := healthySteps()
	steps.Health = &fakeHealth{err: errors.New("graph unreadable")}
	s := New(Config{NodeID: "self"}, steps, nil)

	rec, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, rec.Status)
	assert.False(t, rec.HealthChecked)
	require.Len(t, rec.Errors, 1)
	assert.Contains(t, rec.Errors[0], "health: graph unreadable")

	// 后续步骤照常执行
	assert.True(t, rec.IntegrityChecked)
	assert.Equal(t, 4, rec.Exported)
	assert.Equal(t, 1, reg.persisted)
	assert.True(t, rec.HeartbeatSent)
}

func TestRunCycle_StatusThresholds(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		mutate    func(*Steps)
		want      Status
	}{
		{"two errors are partial", 0, func(s *Steps) {
			s.Health = &fakeHealth{err: errors.New("h")}
			s.Exporter = &fakeExporter{err: errors.New("e")}
		}, StatusPartial},
		{"three errors fail", 0, func(s *Steps) {
			s.Health = &fakeHealth{err: errors.New("h")}
			s.Exporter = &fakeExporter{err: errors.New("e")}
			s.Registry = &fakeRegistry{persistErr: errors.New("p")}
		}, StatusFailed},
		{"integrity violation counts", 0, func(s *Steps) {
			s.Integrity = fakeIntegrity{status: integrity.StatusMissing}
		}, StatusPartial},
		{"custom threshold", 1, func(s *Steps) {
			s.Registry = &fakeRegistry{beatErr: errors.New("b")}
		}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, _, _ := healthySteps()
			tt.mutate(&steps)
			s := New(Config{NodeID: "self", FailedThreshold: tt.threshold}, steps, nil)

			rec, err := s.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status, "errors: %v", rec.Errors)
		})
	}
}

func TestRunCycle_MissingNodeIDFailsHeartbeat(t *testing.T) {
	steps, _, _ := healthySteps()
	rec, err := New(Config{}, steps, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.HeartbeatSent)
	assert.Equal(t, StatusPartial, rec.Status)
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	steps, _, _ := healthySteps()
	h := &fakeHealth{entered: make(chan struct{}, 1), release: make(chan struct{})}
	steps.Health = h
	s := New(Config{NodeID: "self"}, steps, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		firstDone <- err
	}()
	<-h.entered
	assert.True(t, s.InFlight())

	rec, err := s.RunCycle(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.True(t, types.IsErrorCode(err, types.ErrCycleInProgress))
	assert.Empty(t, s.History(), "a rejected trigger produces no record")

	close(h.release)
	require.NoError(t, <-firstDone)
	assert.Len(t, s.History(), 1)
	assert.False(t, s.InFlight())
}

func TestScheduler_HistoryIsBounded(t *testing.T) {
	steps, _, _ := healthySteps()
	s := New(Config{NodeID: "self", HistorySize: 2}, steps, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := s.RunCycle(context.Background())
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, ids[1], hist[0].ID)
	assert.Equal(t, ids[2], hist[1].ID)
}

func TestScheduler_StartRunsImmediatelyAndIsIdempotent(t *testing.T) {
	steps, _, _ := healthySteps()
	s := New(Config{NodeID: "self"}, steps, nil)

	require.NoError(t, s.Start(context.Background(), time.Hour))
	require.NoError(t, s.Start(context.Background(), time.Hour))
	assert.Equal(t, StateRunning, s.State())

	require.Eventually(t, func() bool { return len(s.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Len(t, s.History(), 1)
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	steps, _, _ := healthySteps()
	s := New(Config{NodeID: "self"}, steps, nil)

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	require.Eventually(t, func() bool { return len(s.History()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	n := len(s.History())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, len(s.History()), "no cycles after Stop")
}

func TestScheduler_StopWaitsForInFlightCycle(t *testing.T) {
	steps, _, _ := healthySteps()
	h := &fakeHealth{entered: make(chan struct{}, 1), release: make(chan struct{})}
	steps.Health = h
	s := New(Config{NodeID: "self"}, steps, nil)

	require.NoError(t, s.Start(context.Background(), time.Hour))
	<-h.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	require.Len(t, s.History(), 1)
	assert.Equal(t, StatusSuccess, s.History()[0].Status, "the cycle was not interrupted")
}

func TestScheduler_StaysRunningUntilInFlightCycleEnds(t *testing.T) {
	steps, _, _ := healthySteps()
	h := &fakeHealth{entered: make(chan struct{}, 1), release: make(chan struct{})}
	steps.Health = h
	s := New(Config{NodeID: "self"}, steps, nil)

	require.NoError(t, s.Start(context.Background(), time.Hour))
	<-h.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopping != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	restarted := make(chan error, 1)
	go func() { restarted <- s.Start(context.Background(), time.Hour) }()
	select {
	case <-restarted:
		t.Fatal("Start returned while Stop was draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	<-stopped
	require.NoError(t, <-restarted)
	assert.Equal(t, StateRunning, s.State())

	// the restarted loop's first cycle runs instead of being skipped
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)
	for _, rec := range s.History() {
		assert.Equal(t, StatusSuccess, rec.Status)
	}
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_ContextCancelEndsLoop(t *testing.T) {
	steps, _, _ := healthySteps()
	s := New(Config{NodeID: "self"}, steps, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, time.Hour))
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Start(context.Background(), time.Hour))
	s.Stop()
}

func TestScheduler_CloseIsTerminal(t *testing.T) {
	steps, _, _ := healthySteps()
	s := New(Config{NodeID: "self"}, steps, nil)

	require.NoError(t, s.Close())
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background(), time.Minute), ErrSchedulerClosed)
	_, err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
