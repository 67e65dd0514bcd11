// Package monitoring serves health, status and Prometheus endpoints for a
// running runtime.
package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	goruntime "runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/runtime"
)

// Version is reported by /status.
var Version = "dev"

const (
	maxAlerts  = 100
	maxHistory = 1000
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Runtime     runtime.Status  `json:"runtime"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastGeneration  time.Time `json:"last_generation"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StatusSource reports runtime state. *runtime.Runtime implements it.
type StatusSource interface {
	Status() runtime.Status
}

// PerfPoint is one finished generation.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

// HealthMonitor tracks generation outcomes and serves them over HTTP.
type HealthMonitor struct {
	source    StatusSource
	startTime time.Time
	server    *http.Server

	// MinTokensPerSecond and MaxLatency raise performance alerts when a
	// finished generation falls outside them.
	MinTokensPerSecond float64
	MaxLatency         time.Duration

	mu             sync.RWMutex
	alerts         []Alert
	lastGeneration time.Time
	perfHistory    []PerfPoint
}

func NewHealthMonitor(source StatusSource) *HealthMonitor {
	return &HealthMonitor{
		source:             source,
		startTime:          time.Now(),
		MinTokensPerSecond: 1,
		MaxLatency:         5 * time.Minute,
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves on addr until Stop and returns the bound address.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := hm.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("health monitor stopped", "error", err)
		}
	}()
	logger.Log.Info("health monitor listening", "addr", lis.Addr().String())
	return lis.Addr(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// Observe records a terminal event's outcome. Other events are ignored.
func (hm *HealthMonitor) Observe(e generation.Event) {
	if !e.Terminal() {
		return
	}
	point := PerfPoint{Timestamp: time.Now(), Failed: e.Kind == generation.FailedEvent}
	if e.Stats != nil {
		point.Tokens = e.Stats.GeneratedTokens
		point.Duration = e.Stats.PrefillDuration + e.Stats.DecodeDuration
	}

	hm.mu.Lock()
	hm.lastGeneration = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if point.Failed {
		hm.AddAlert("error", "generation", fmt.Sprintf("generation failed: %v", e.Err))
		return
	}
	hm.checkPerformanceAlerts(point)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// Alerts returns a copy of the current alerts.
func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return append([]Alert(nil), hm.alerts...)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("response encode failed", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health summary. Unresolved critical alerts make
// it "critical", unresolved errors "degraded".
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}
	perf := hm.calculatePerformanceInfo()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	var rt runtime.Status
	if hm.source != nil {
		rt = hm.source.Status()
	}
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Runtime:     rt,
		Performance: perf,
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    goruntime.Version(),
		OS:           goruntime.GOOS,
		Arch:         goruntime.GOARCH,
		NumCPU:       goruntime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	info := PerformanceInfo{Generations: len(hm.perfHistory), LastGeneration: hm.lastGeneration}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, failed int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			failed++
			continue
		}
		totalTokens += p.Tokens
		totalDuration += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if len(latencies) == 0 {
		return info
	}
	sort.Float64s(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.P95LatencyMs = latencies[p95]
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(latencies)) / 1e6
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 || point.Tokens == 0 {
		return
	}
	if tps := float64(point.Tokens) / point.Duration.Seconds(); tps < hm.MinTokensPerSecond {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
	}
	if hm.MaxLatency > 0 && point.Duration > hm.MaxLatency {
		hm.AddAlert("error", "performance", fmt.Sprintf("High latency: %s", point.Duration))
	}
}
