package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 存活与就绪探针
// =============================================================================

// 就绪状态
const (
	StatusReady       = "ready"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// DefaultProbeTimeout bounds each readiness probe.
const DefaultProbeTimeout = 3 * time.Second

// Probe is one readiness dependency. A failing optional probe degrades the
// node but keeps it ready; a failing required probe makes /ready return 503.
type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Status   string `json:"status"` // pass, fail
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency"`
}

// HealthStatus is the /health and /ready body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	NodeID    string                 `json:"node_id"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]ProbeResult `json:"checks,omitempty"`
}

// HealthHandler serves the node's probes.
type HealthHandler struct {
	nodeID  string
	started time.Time
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	probes []Probe
}

// NewHealthHandler 创建探针处理器
func NewHealthHandler(nodeID string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		nodeID:  nodeID,
		started: time.Now(),
		timeout: DefaultProbeTimeout,
		logger:  logger.With(zap.String("handler", "health")),
	}
}

// Register adds a readiness probe.
func (h *HealthHandler) Register(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, p)
}

// HandleHealth 存活检查：进程在响应即可
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		NodeID:    h.nodeID,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// HandleReady 并发执行全部探针，每个探针单独限时
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	h.mu.RLock()
	probes := append([]Probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]ProbeResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = h.run(r.Context(), p)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusReady,
		NodeID:    h.nodeID,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]ProbeResult, len(probes)),
	}
	for i, p := range probes {
		res := results[i]
		status.Checks[p.Name] = res
		if res.Status == "pass" {
			continue
		}
		if p.Optional {
			if status.Status == StatusReady {
				status.Status = StatusDegraded
			}
		} else {
			status.Status = StatusUnavailable
		}
	}

	code := http.StatusOK
	if status.Status == StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(parent context.Context, p Probe) ProbeResult {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(ctx)
	latency := time.Since(start)

	res := ProbeResult{Status: "pass", Optional: p.Optional, Latency: latency.String()}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		h.logger.Warn("readiness probe failed",
			zap.String("probe", p.Name),
			zap.Bool("optional", p.Optional),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
	return res
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"node_id":    h.nodeID,
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
