// Package health scores the local knowledge graph.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/internal/metrics"
	"github.com/BaSui01/knowmesh/knowledge"
)

// Status is the overall verdict of a health check.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// epsilon absorbs float noise so a mean of exactly 0.95 is not a warning.
const epsilon = 1e-9

// Config holds the health thresholds.
type Config struct {
	CriticalMeanQuality          float64 `json:"critical_mean_quality"`
	WarningMeanQuality           float64 `json:"warning_mean_quality"`
	CriticalDisconnectedFraction float64 `json:"critical_disconnected_fraction"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalMeanQuality:          0.90,
		WarningMeanQuality:           0.95,
		CriticalDisconnectedFraction: 0.20,
	}
}

// Metrics summarizes the graph.
type Metrics struct {
	Units                int     `json:"units"`
	MeanQuality          float64 `json:"mean_quality"`
	MinQuality           float64 `json:"min_quality"`
	MaxQuality           float64 `json:"max_quality"`
	Disconnected         int     `json:"disconnected"`
	DisconnectedFraction float64 `json:"disconnected_fraction"`
	TotalLinks           int     `json:"total_links"`
	AverageLinks         float64 `json:"average_links"`
}

// Report is the result of a health check.
type Report struct {
	Timestamp       time.Time `json:"timestamp"`
	Metrics         Metrics   `json:"metrics"`
	Status          Status    `json:"status"`
	Disconnected    []string  `json:"disconnected_units,omitempty"`
	Recommendations []string  `json:"recommendations"`
}

// Check scores units against the default thresholds.
func Check(units []knowledge.Unit) Report {
	return DefaultConfig().Check(units)
}

// Check scores units. It is pure; the report timestamp is left zero.
func (c Config) Check(units []knowledge.Unit) Report {
	if len(units) == 0 {
		return Report{
			Status:          StatusCritical,
			Recommendations: []string{"no knowledge units: seed the graph before relying on it"},
		}
	}

	m := Metrics{Units: len(units), MinQuality: units[0].Quality, MaxQuality: units[0].Quality}
	qualities := make([]float64, len(units))
	var disconnected []string
	for i, u := range units {
		qualities[i] = u.Quality
		if u.Quality < m.MinQuality {
			m.MinQuality = u.Quality
		}
		if u.Quality > m.MaxQuality {
			m.MaxQuality = u.Quality
		}
		m.TotalLinks += u.Links
		if u.Links < 1 {
			disconnected = append(disconnected, u.ID)
		}
	}
	sort.Float64s(qualities)
	var sum float64
	for _, q := range qualities {
		sum += q
	}
	m.MeanQuality = sum / float64(len(units))
	m.Disconnected = len(disconnected)
	m.DisconnectedFraction = float64(len(disconnected)) / float64(len(units))
	m.AverageLinks = float64(m.TotalLinks) / float64(len(units))
	sort.Strings(disconnected)

	status := StatusHealthy
	switch {
	case m.MeanQuality < c.CriticalMeanQuality-epsilon,
		m.DisconnectedFraction > c.CriticalDisconnectedFraction+epsilon:
		status = StatusCritical
	case m.MeanQuality < c.WarningMeanQuality-epsilon, m.Disconnected > 0:
		status = StatusWarning
	}

	return Report{
		Metrics:         m,
		Status:          status,
		Disconnected:    disconnected,
		Recommendations: c.recommend(m, disconnected),
	}
}

func (c Config) recommend(m Metrics, disconnected []string) []string {
	recs := []string{}
	switch {
	case m.MeanQuality < c.CriticalMeanQuality-epsilon:
		recs = append(recs, fmt.Sprintf("mean quality %.3f is below the critical floor %.2f: review or retire low-quality units", m.MeanQuality, c.CriticalMeanQuality))
	case m.MeanQuality < c.WarningMeanQuality-epsilon:
		recs = append(recs, fmt.Sprintf("mean quality %.3f is below %.2f: refine the weakest units", m.MeanQuality, c.WarningMeanQuality))
	}
	if len(disconnected) > 0 {
		shown := disconnected
		if len(shown) > 5 {
			shown = shown[:5]
		}
		recs = append(recs, fmt.Sprintf("%d of %d units have no links (%s): connect them through provenance trails",
			m.Disconnected, m.Units, strings.Join(shown, ", ")))
	}
	if m.DisconnectedFraction > c.CriticalDisconnectedFraction+epsilon {
		recs = append(recs, fmt.Sprintf("%.0f%% of units are disconnected: the graph is fragmenting", m.DisconnectedFraction*100))
	}
	return recs
}

// Monitor runs checks against a live graph.
type Monitor struct {
	graph   knowledge.Graph
	config  Config
	metrics *metrics.Collector
	now     func() time.Time
	logger  *zap.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(graph knowledge.Graph, config Config, m *metrics.Collector, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		graph:   graph,
		config:  config,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(zap.String("component", "health")),
	}
}

// Run loads the graph and checks it.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	units, err := m.graph.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("load knowledge graph: %w", err)
	}
	report := m.config.Check(units)
	report.Timestamp = m.now()

	m.metrics.RecordHealth(string(report.Status), report.Metrics.MeanQuality)
	m.logger.Info("health checked",
		zap.String("status", string(report.Status)),
		zap.Int("units", report.Metrics.Units),
		zap.Float64("mean_quality", report.Metrics.MeanQuality),
		zap.Int("disconnected", report.Metrics.Disconnected))
	return &report, nil
}
