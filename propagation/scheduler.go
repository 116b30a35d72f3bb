// Package propagation runs the node's periodic self-maintenance cycle:
// health check, integrity check, export, registry persistence and heartbeat.
// Cycles never overlap.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/exchange"
	"github.com/BaSui01/knowmesh/health"
	"github.com/BaSui01/knowmesh/integrity"
	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/internal/telemetry"
	"github.com/BaSui01/knowmesh/report"
	"github.com/BaSui01/knowmesh/types"
)

// State is the scheduler's continuous-mode state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Status summarizes one cycle.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

var (
	// ErrCycleInProgress rejects a trigger while another cycle runs.
	ErrCycleInProgress = types.NewError(types.ErrCycleInProgress, "a propagation cycle is already running")
	// ErrSchedulerClosed is returned after Close.
	ErrSchedulerClosed = errors.New("propagation scheduler is closed")
)

// CycleRecord is the outcome of one cycle.
type CycleRecord struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	HealthChecked     bool          `json:"health_checked"`
	HealthStatus      string        `json:"health_status,omitempty"`
	IntegrityChecked  bool          `json:"integrity_checked"`
	IntegrityStatus   string        `json:"integrity_status,omitempty"`
	Exported          int           `json:"exported"`
	RegistryPersisted bool          `json:"registry_persisted"`
	HeartbeatSent     bool          `json:"heartbeat_sent"`
	Errors            []string      `json:"errors"`
	Status            Status        `json:"status"`
	Duration          time.Duration `json:"duration"`
	ReportPath        string        `json:"report_path,omitempty"`
}

// HealthRunner runs a health check.
type HealthRunner interface {
	Run(ctx context.Context) (*health.Report, error)
}

// IntegrityRunner runs an integrity check.
type IntegrityRunner interface {
	Run(ctx context.Context) (*integrity.Report, error)
}

// Exporter stages exportable artifacts.
type Exporter interface {
	ShareArtifacts(ctx context.Context, policy exchange.SharePolicy) (int, error)
}

// Registry persists the registry and records liveness.
type Registry interface {
	Persist(ctx context.Context) error
	Heartbeat(ctx context.Context, id string) error
}

// ReportSink stores cycle records.
type ReportSink interface {
	Write(kind string, v any) (string, error)
}

// Steps are the collaborators of a cycle. A nil step is skipped.
type Steps struct {
	Health    HealthRunner
	Integrity IntegrityRunner
	Exporter  Exporter
	Registry  Registry
}

// Config holds scheduler policy.
type Config struct {
	// NodeID receives the heartbeat.
	NodeID string
	// Interval between cycles in continuous mode.
	Interval time.Duration
	// FailedThreshold step errors mark a cycle failed; fewer are partial.
	FailedThreshold int
	// HistorySize bounds the in-memory record list.
	HistorySize int
	// ExportTarget is stamped on exports. Empty means any node.
	ExportTarget string
}

// DefaultConfig returns the standard cycle policy.
func DefaultConfig() Config {
	return Config{Interval: time.Hour, FailedThreshold: 3, HistorySize: 50}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithReports emits every record to sink.
func WithReports(sink ReportSink) Option {
	return func(s *Scheduler) { s.reports = sink }
}

// WithMetrics records cycle metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs maintenance cycles one at a time.
type Scheduler struct {
	config  Config
	steps   Steps
	reports ReportSink
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
	logger  *zap.Logger

	inFlight atomic.Bool
	// cycleMu is held for the whole of a cycle so Stop can wait for it.
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	loopDone chan struct{}
	// stopping is set while Stop drains the loop and closed once the
	// scheduler is idle.
	stopping chan struct{}

	historyMu sync.Mutex
	history   []CycleRecord
}

// New creates an idle scheduler.
func New(config Config, steps Steps, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.FailedThreshold <= 0 {
		config.FailedThreshold = def.FailedThreshold
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	s := &Scheduler{
		config: config,
		steps:  steps,
		tracer: telemetry.Tracer("propagation"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "propagation")),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the continuous-mode state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight reports whether a cycle is executing.
func (s *Scheduler) InFlight() bool { return s.inFlight.Load() }

// History returns the retained records, oldest first.
func (s *Scheduler) History() []CycleRecord {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]CycleRecord(nil), s.history...)
}

// RunCycle executes one cycle. A trigger while another cycle is executing
// returns ErrCycleInProgress and produces no record.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleRecord, error) {
	if s.State() == StateStopped {
		return nil, ErrSchedulerClosed
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	s.cycleMu.Lock()
	defer func() {
		s.inFlight.Store(false)
		s.cycleMu.Unlock()
	}()

	start := time.Now()
	rec := CycleRecord{ID: uuid.NewString(), Timestamp: s.now(), Errors: []string{}}
	ctx, span := s.tracer.Start(ctx, "propagation.cycle", trace.WithAttributes(attribute.String("cycle.id", rec.ID)))
	fail := func(step string, err error) {
		rec.Errors = append(rec.Errors, fmt.Sprintf("%s: %v", step, err))
		s.logger.Warn("cycle step failed", zap.String("cycle_id", rec.ID), zap.String("step", step), zap.Error(err))
	}

	if s.steps.Health != nil {
		if r, err := s.steps.Health.Run(ctx); err != nil {
			fail("health", err)
		} else {
			rec.HealthChecked = true
			rec.HealthStatus = string(r.Status)
		}
	}

	if s.steps.Integrity != nil {
		if r, err := s.steps.Integrity.Run(ctx); err != nil {
			fail("integrity", err)
		} else {
			rec.IntegrityChecked = true
			rec.IntegrityStatus = string(r.Status)
			if verr := r.Err(); verr != nil {
				fail("integrity", verr)
			}
		}
	}

	if s.steps.Exporter != nil {
		n, err := s.steps.Exporter.ShareArtifacts(ctx, exchange.SharePolicy{Target: s.config.ExportTarget})
		rec.Exported = n
		if err != nil {
			fail("export", err)
		}
	}

	if s.steps.Registry != nil {
		if err := s.steps.Registry.Persist(ctx); err != nil {
			fail("registry", err)
		} else {
			rec.RegistryPersisted = true
		}

		if s.config.NodeID == "" {
			fail("heartbeat", errors.New("local node id is not configured"))
		} else if err := s.steps.Registry.Heartbeat(ctx, s.config.NodeID); err != nil {
			fail("heartbeat", err)
		} else {
			rec.HeartbeatSent = true
		}
	}

	rec.Status = s.statusFor(len(rec.Errors))
	rec.Duration = time.Since(start)

	var spanErr error
	if rec.Status != StatusSuccess {
		spanErr = fmt.Errorf("cycle %s with %d errors", rec.Status, len(rec.Errors))
	}
	span.SetAttributes(attribute.String("cycle.status", string(rec.Status)), attribute.Int("cycle.exported", rec.Exported))
	telemetry.EndSpan(span, spanErr)
	s.metrics.RecordCycle(string(rec.Status), rec.Duration)

	if s.reports != nil {
		path, err := s.reports.Write(report.KindPropagation, rec)
		if err != nil {
			s.logger.Error("failed to write cycle report", zap.String("cycle_id", rec.ID), zap.Error(err))
		}
		rec.ReportPath = path
	}
	s.remember(rec)

	s.logger.Info("propagation cycle finished",
		zap.String("cycle_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("errors", len(rec.Errors)),
		zap.Int("exported", rec.Exported),
		zap.Duration("duration", rec.Duration))
	return &rec, nil
}

func (s *Scheduler) statusFor(errs int) Status {
	switch {
	case errs == 0:
		return StatusSuccess
	case errs >= s.config.FailedThreshold:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func (s *Scheduler) remember(rec CycleRecord) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, rec)
	if over := len(s.history) - s.config.HistorySize; over > 0 {
		s.history = append([]CycleRecord(nil), s.history[over:]...)
	}
}

// Start enters continuous mode: one cycle now, then one per interval.
// interval <= 0 uses the configured interval. Calling Start while running is
// a no-op; calling it while a Stop is draining waits for the scheduler to go
// idle first. Cancelling ctx ends the loop as Stop does.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	for s.stopping != nil {
		wait := s.stopping
		s.mu.Unlock()
		<-wait
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return ErrSchedulerClosed
	case StateRunning:
		return nil
	}
	if interval <= 0 {
		interval = s.config.Interval
	}

	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ctx, interval, s.stopCh, s.loopDone)

	s.logger.Info("propagation scheduler started", zap.Duration("interval", interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Stop 不中断进行中的周期，周期只随调用方 ctx 取消
	cycleCtx := context.WithoutCancel(ctx)
	s.runScheduled(cycleCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScheduled(cycleCtx)
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.state == StateRunning && s.stopCh == stop {
				s.state = StateIdle
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil {
		s.logger.Info("scheduled cycle skipped", zap.Error(err))
	}
}

// Stop leaves continuous mode. It waits for an in-flight cycle to finish
// and never interrupts one; the state stays running until then.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		<-wait
		return
	}
	var done, stopping chan struct{}
	if s.state == StateRunning {
		close(s.stopCh)
		done = s.loopDone
		stopping = make(chan struct{})
		s.stopping = stopping
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	// 等待手动触发的周期结束
	s.cycleMu.Lock()
	s.cycleMu.Unlock() //nolint:staticcheck // 仅用于等待

	if stopping != nil {
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateIdle
		}
		s.stopping = nil
		close(stopping)
		s.mu.Unlock()
		s.logger.Info("propagation scheduler stopped")
	}
}

// Close stops the scheduler permanently.
func (s *Scheduler) Close() error {
	s.Stop()
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}
