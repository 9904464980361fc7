// Package monitoring exposes the progress of an experiment run over HTTP
// next to the Prometheus metrics.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// Phase is the stage a run is in.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScoring   Phase = "scoring"
	PhasePruning   Phase = "pruning"
	PhaseMeasuring Phase = "measuring"
	PhaseWriting   Phase = "writing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

type Alert struct {
	Level     string    `json:"level"` // warning, error
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	TensorBytes  int64  `json:"tensor_bytes"`
}

// Status is the JSON body of /status.
type Status struct {
	Status        string        `json:"status"`
	RunID         string        `json:"run_id"`
	Phase         Phase         `json:"phase"`
	Uptime        time.Duration `json:"uptime"`
	PhaseStarted  time.Time     `json:"phase_started"`
	ForwardPasses int64         `json:"forward_passes"`
	Checkpoints   int           `json:"checkpoints"`
	System        SystemInfo    `json:"system"`
	Alerts        []Alert       `json:"alerts"`
}

// Monitor tracks a single run. Safe for concurrent use by the run and the
// HTTP handlers.
type Monitor struct {
	startTime time.Time
	server    *http.Server

	mu           sync.RWMutex
	runID        string
	phase        Phase
	phaseStarted time.Time
	checkpoints  int
	alerts       []Alert
}

func NewMonitor() *Monitor {
	now := time.Now()
	return &Monitor{startTime: now, phase: PhaseIdle, phaseStarted: now}
}

// Begin starts tracking runID.
func (m *Monitor) Begin(runID string) {
	m.mu.Lock()
	m.runID = runID
	m.checkpoints = 0
	m.alerts = nil
	m.mu.Unlock()
	m.SetPhase(PhaseScoring)
}

func (m *Monitor) SetPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = p
	m.phaseStarted = time.Now()
}

func (m *Monitor) SetCheckpoints(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = n
}

// Fail marks the run failed and raises an error alert.
func (m *Monitor) Fail(err error) {
	m.SetPhase(PhaseFailed)
	m.AddAlert("error", err.Error())
}

func (m *Monitor) AddAlert(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, Alert{Level: level, Message: message, Timestamp: time.Now()})
	// keep the last 100
	if len(m.alerts) > 100 {
		m.alerts = m.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "alert_level", level, "alert", message)
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := "healthy"
	for _, a := range m.alerts {
		if a.Level == "error" {
			status = "degraded"
			break
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Status{
		Status:        status,
		RunID:         m.runID,
		Phase:         m.phase,
		Uptime:        time.Since(m.startTime),
		PhaseStarted:  m.phaseStarted,
		ForwardPasses: metrics.TotalForwardPasses(),
		Checkpoints:   m.checkpoints,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			MemoryUsedMB: int(ms.Alloc / 1024 / 1024),
			TensorBytes:  tensor.AllocatedBytes(),
		},
		Alerts: append([]Alert(nil), m.alerts...),
	}
}

// Handler serves /healthz, /status and /metrics.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr in the background.
func (m *Monitor) Start(addr string) {
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("Monitor serving", "address", addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Monitor server error", "error", err)
		}
	}()
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := m.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status": status.Status,
		"phase":  string(status.Phase),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Status())
}
