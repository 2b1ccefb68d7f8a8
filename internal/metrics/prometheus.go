package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

var allModes = []schemas.Mode{schemas.ModePatrol, schemas.ModeWarmup, schemas.ModePreAttack, schemas.ModeAttack}

// Exporter publishes run metrics on a private registry.
type Exporter struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	eventsTotal    *prometheus.CounterVec
	incidentsTotal *prometheus.CounterVec
	sessionHealth  *prometheus.GaugeVec
	mode           *prometheus.GaugeVec
	solveSeconds   *prometheus.HistogramVec
}

// NewExporter creates and registers all collectors.
func NewExporter(logger *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		logger:   logger.Named("metrics"),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termin_events_total",
				Help: "Run events by counter name",
			},
			[]string{"event"},
		),
		incidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termin_incidents_total",
				Help: "Recorded incidents by type and severity",
			},
			[]string{"type", "severity"},
		),
		sessionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termin_session_health",
				Help: "Health rank of each worker's current session (0 clean, 3 poisoned)",
			},
			[]string{"role", "worker"},
		),
		mode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termin_mode",
				Help: "1 for the active operating mode, 0 otherwise",
			},
			[]string{"mode"},
		),
		solveSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termin_challenge_solve_seconds",
				Help:    "Time spent solving a challenge, by outcome status",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		),
	}

	collectors := []prometheus.Collector{e.eventsTotal, e.incidentsTotal, e.sessionHealth, e.mode, e.solveSeconds}
	for _, c := range collectors {
		if err := e.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Exporter) addEvent(c Counter, n int64) {
	e.eventsTotal.WithLabelValues(string(c)).Add(float64(n))
}

// ObserveIncident counts an incident. It fits incident.Listener.
// The observe and set methods are no-ops on a nil Exporter.
func (e *Exporter) ObserveIncident(inc schemas.Incident) {
	if e == nil {
		return
	}
	e.incidentsTotal.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()
}

// SetSessionHealth publishes a worker's health rank.
func (e *Exporter) SetSessionHealth(role schemas.Role, worker string, h schemas.Health) {
	if e == nil {
		return
	}
	e.sessionHealth.WithLabelValues(string(role), worker).Set(float64(h.Rank()))
}

// SetMode marks m as the active mode.
func (e *Exporter) SetMode(m schemas.Mode) {
	if e == nil {
		return
	}
	for _, candidate := range allModes {
		v := 0.0
		if candidate == m {
			v = 1
		}
		e.mode.WithLabelValues(string(candidate)).Set(v)
	}
}

// ObserveSolve records how long a challenge took.
func (e *Exporter) ObserveSolve(status schemas.ChallengeStatus, d time.Duration) {
	if e == nil {
		return
	}
	e.solveSeconds.WithLabelValues(string(status)).Observe(d.Seconds())
}

// Handler serves the registry in the exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
