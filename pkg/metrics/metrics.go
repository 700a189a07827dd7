package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Phase metrics, recorded by the coordinator from reduced results.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iore_phase_duration_seconds",
		Help:    "Aggregate open-to-close duration of a phase",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	}, []string{"access"})

	PhaseBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iore_phase_bandwidth_mib_per_second",
		Help: "Aggregate bandwidth of the most recent phase",
	}, []string{"access"})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iore_bytes_total",
		Help: "Bytes moved by all tasks of completed phases",
	}, []string{"access"})

	Repetitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iore_repetitions_total",
		Help: "Completed repetitions",
	})

	PhasesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iore_phases_skipped_total",
		Help: "Phases skipped because the run time limit was reached",
	}, []string{"access"})

	// Transfer metrics, recorded locally by every task.
	PartialTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iore_partial_transfers_total",
		Help: "I/O requests that moved fewer bytes than requested",
	}, []string{"access"})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iore_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iore_backend_errors_total",
		Help: "Backend errors by operation",
	}, []string{"backend", "operation"})

	// Clock
	ClockSkew = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iore_clock_skew_seconds",
		Help: "Spread of task clocks observed at calibration",
	})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, access := range []string{"write", "read"} {
		PhaseDuration.WithLabelValues(access)
		PhaseBandwidth.WithLabelValues(access)
		BytesTransferred.WithLabelValues(access)
		PartialTransfers.WithLabelValues(access)
	}
	BackendRequestDuration.WithLabelValues("POSIX", "create")
	BackendErrors.WithLabelValues("POSIX", "write")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// DirHealthCheck returns a check that the directory holding the test files
// is reachable.
func DirHealthCheck(dir string) func() error {
	return func() error {
		_, err := os.Stat(dir)
		return err
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
