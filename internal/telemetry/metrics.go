package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheCacophonyProject/bms-controller/battery"
	"github.com/TheCacophonyProject/bms-controller/internal/virtual"
)

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Address: ":9110"}
}

func (c MetricsConfig) Validate() error {
	if c.Enabled && c.Address == "" {
		return errors.New("metrics address is empty")
	}
	return nil
}

// Metrics exports battery state as Prometheus gauges.
type Metrics struct {
	voltage     *prometheus.GaugeVec
	current     *prometheus.GaugeVec
	soc         *prometheus.GaugeVec
	online      *prometheus.GaugeVec
	cellVoltage *prometheus.GaugeVec
	imbalance   *prometheus.GaugeVec
	active      *prometheus.GaugeVec
	alerts      prometheus.Gauge
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewMetrics registers the gauges on reg, or on the default registerer when
// reg is nil. Gauges that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string, labels ...string) (*prometheus.GaugeVec, error) {
		return register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bms",
			Name:      name,
			Help:      help,
		}, labels))
	}

	var m Metrics
	var err error
	if m.voltage, err = gauge("voltage_volts", "Battery voltage", "battery"); err != nil {
		return nil, err
	}
	if m.current, err = gauge("current_amps", "Battery current, negative while discharging", "battery"); err != nil {
		return nil, err
	}
	if m.soc, err = gauge("soc_percent", "State of charge", "battery"); err != nil {
		return nil, err
	}
	if m.online, err = gauge("online", "1 while the battery is delivering data", "battery"); err != nil {
		return nil, err
	}
	if m.cellVoltage, err = gauge("cell_voltage_volts", "Cell voltage", "battery", "cell"); err != nil {
		return nil, err
	}
	if m.imbalance, err = gauge("imbalance", "1 while the members of a virtual battery are imbalanced", "battery", "kind"); err != nil {
		return nil, err
	}
	if m.active, err = gauge("active_members", "Members of a virtual battery delivering data", "battery"); err != nil {
		return nil, err
	}
	if m.alerts, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bms",
		Name:      "cell_alerts",
		Help:      "Cell imbalance alerts retained by the cell monitor",
	})); err != nil {
		return nil, err
	}
	return &m, nil
}

// Observe records a snapshot. The cell gauges of the battery are replaced so
// a shrinking cell count leaves no stale cells behind.
func (m *Metrics) Observe(s battery.Snapshot) {
	m.online.WithLabelValues(s.ID).Set(flag(s.Online))
	m.cellVoltage.DeletePartialMatch(prometheus.Labels{"battery": s.ID})
	if !s.Online {
		return
	}
	m.voltage.WithLabelValues(s.ID).Set(s.Voltage)
	m.current.WithLabelValues(s.ID).Set(s.Current)
	m.soc.WithLabelValues(s.ID).Set(s.SOC)
	for i, c := range s.Cells {
		if c.Valid {
			m.cellVoltage.WithLabelValues(s.ID, strconv.Itoa(i+1)).Set(c.Voltage)
		}
	}
}

func (m *Metrics) ObserveVirtual(v virtual.Snapshot) {
	m.Observe(v.Snapshot)
	m.active.WithLabelValues(v.ID).Set(float64(v.Active))
	m.imbalance.WithLabelValues(v.ID, "voltage").Set(flag(v.VoltageImbalance))
	m.imbalance.WithLabelValues(v.ID, "current").Set(flag(v.CurrentImbalance))
	m.imbalance.WithLabelValues(v.ID, "soc").Set(flag(v.SOCImbalance))
}

func (m *Metrics) ObserveAlerts(n int) {
	m.alerts.Set(float64(n))
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve exposes g on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Metrics server shutdown: %v", err)
		}
	}()
	log.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
