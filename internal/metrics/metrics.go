package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the decision engine. Each
// Registry carries its own prometheus.Registry so tests can build
// isolated instances without duplicate registration panics.
type Registry struct {
	reg *prometheus.Registry

	CycleDuration *prometheus.HistogramVec
	CyclesTotal   *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec

	GateDecisions  *prometheus.CounterVec
	ScoresComputed prometheus.Counter
	ScoreValue     *prometheus.HistogramVec

	OpenPositions prometheus.Gauge
	TradesTotal   *prometheus.CounterVec
	ExitUrgency   *prometheus.HistogramVec
	FlipsTotal    prometheus.Counter

	RegimeSwitches *prometheus.CounterVec
	ActiveRegime   *prometheus.GaugeVec

	ProviderErrors   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	WeightAdjusts    *prometheus.CounterVec
	ReconcileGhosts  prometheus.Counter
	ReconcileAdopted prometheus.Counter
}

func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgerun_cycle_duration_seconds",
				Help:    "Duration of full decision cycles in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_cycles_total",
				Help: "Total decision cycles executed by result",
			},
			[]string{"result"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgerun_step_duration_seconds",
				Help:    "Duration of each cycle step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"step", "result"},
		),

		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_gate_decisions_total",
				Help: "Gate decisions by gate name and outcome",
			},
			[]string{"gate", "outcome"},
		),
		ScoresComputed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgerun_scores_computed_total",
				Help: "Composite scores computed",
			},
		),
		ScoreValue: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgerun_score_value",
				Help:    "Distribution of final composite scores",
				Buckets: []float64{0.5, 1, 1.5, 2, 2.5, 2.7, 2.9, 3.1, 3.5, 4, 4.5, 5},
			},
			[]string{"regime"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgerun_open_positions",
				Help: "Number of currently open positions",
			},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_trades_total",
				Help: "Completed trades by side and win/loss",
			},
			[]string{"side", "result"},
		),
		ExitUrgency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgerun_exit_urgency",
				Help:    "Exit urgency values observed per evaluation",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"action"},
		),
		FlipsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgerun_flips_total",
				Help: "Position flips executed",
			},
		),

		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_regime_switches_total",
				Help: "Regime transitions by from/to regime",
			},
			[]string{"from_regime", "to_regime"},
		),
		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgerun_active_regime",
				Help: "One-hot gauge of the current regime",
			},
			[]string{"regime"},
		),

		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_provider_errors_total",
				Help: "Provider fetch failures by error type",
			},
			[]string{"error_type"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgerun_signal_queue_depth",
				Help: "Deferred fetches awaiting retry",
			},
		),
		WeightAdjusts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgerun_weight_adjustments_total",
				Help: "Learned weight adjustments by component and direction",
			},
			[]string{"component", "direction"},
		),
		ReconcileGhosts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgerun_reconcile_ghosts_total",
				Help: "Positions closed because the broker no longer reports them",
			},
		),
		ReconcileAdopted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edgerun_reconcile_adopted_total",
				Help: "Broker positions adopted into the ledger",
			},
		),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CycleDuration, m.CyclesTotal, m.StepDuration,
		m.GateDecisions, m.ScoresComputed, m.ScoreValue,
		m.OpenPositions, m.TradesTotal, m.ExitUrgency, m.FlipsTotal,
		m.RegimeSwitches, m.ActiveRegime,
		m.ProviderErrors, m.QueueDepth, m.WeightAdjusts,
		m.ReconcileGhosts, m.ReconcileAdopted,
	)
	return m
}

// SetHeartbeatSource registers the heartbeat age gauge, computed at
// scrape time from the worker's last heartbeat so the value keeps
// aging between cycles. A zero heartbeat reports zero age.
func (m *Registry) SetHeartbeatSource(last func() time.Time) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "edgerun_heartbeat_age_seconds",
			Help: "Seconds since the worker loop last reported a heartbeat",
		},
		func() float64 {
			hb := last()
			if hb.IsZero() {
				return 0
			}
			return time.Since(hb).Seconds()
		},
	))
}

// Handler serves this registry at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// StepTimer times one cycle step.
type StepTimer struct {
	m     *Registry
	step  string
	start time.Time
}

func (m *Registry) StartStep(step string) *StepTimer {
	return &StepTimer{m: m, step: step, start: time.Now()}
}

func (st *StepTimer) Stop(result string) {
	d := time.Since(st.start)
	st.m.StepDuration.WithLabelValues(st.step, result).Observe(d.Seconds())
	log.Debug().Str("step", st.step).Str("result", result).Dur("duration", d).Msg("cycle step completed")
}

// SetRegime flips the one-hot regime gauge.
func (m *Registry) SetRegime(current string, all []string) {
	for _, r := range all {
		v := 0.0
		if r == current {
			v = 1.0
		}
		m.ActiveRegime.WithLabelValues(r).Set(v)
	}
}

// RecordRegimeSwitch records a transition and updates the active gauge.
func (m *Registry) RecordRegimeSwitch(from, to string, all []string) {
	m.RegimeSwitches.WithLabelValues(from, to).Inc()
	m.SetRegime(to, all)
	log.Info().Str("from_regime", from).Str("to_regime", to).Msg("regime switch recorded")
}
