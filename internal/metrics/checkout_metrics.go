package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики оформления заказов.
type CheckoutMetrics struct {
	// Счётчики оформлений
	checkoutStarted   prometheus.Counter
	checkoutCompleted prometheus.Counter
	checkoutRejected  *prometheus.CounterVec

	deductionRaces      prometheus.Counter
	progressionFailures prometheus.Counter
	notifications       *prometheus.CounterVec
	levelUps            prometheus.Counter
	reconciled          *prometheus.CounterVec

	// Гистограммы времени выполнения
	checkoutDuration prometheus.Histogram
	stepDuration     *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	activeCheckouts prometheus.Gauge
}

// NewCheckoutMetrics создаёт метрики в реестре по умолчанию.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer создаёт метрики в заданном реестре.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkoutStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_checkout_started_total",
			Help: "Total number of checkouts started",
		}),
		checkoutCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_checkout_completed_total",
			Help: "Total number of checkouts completed successfully",
		}),
		checkoutRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "chicplay_checkout_rejected_total",
			Help: "Total number of rejected checkouts grouped by reason",
		}, []string{"reason"}),
		deductionRaces: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_stock_deduction_races_total",
			Help: "Total number of stock deductions that lost a concurrent race",
		}),
		progressionFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_progression_failures_total",
			Help: "Total number of point awards that failed to persist",
		}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "chicplay_notifications_total",
			Help: "Total number of order confirmation attempts grouped by result",
		}, []string{"result"}),
		levelUps: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_level_ups_total",
			Help: "Total number of player level-ups caused by checkouts",
		}),
		reconciled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "chicplay_checkout_reconciled_total",
			Help: "Total number of stale checkouts processed by the reconciler grouped by outcome",
		}, []string{"outcome"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "chicplay_checkout_duration_seconds",
			Help:    "Duration of checkout operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "chicplay_checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "chicplay_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "chicplay_active_checkouts",
			Help: "Number of checkouts currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckoutStarted увеличивает счётчик начатых оформлений.
func (m *CheckoutMetrics) RecordCheckoutStarted() {
	m.checkoutStarted.Inc()
	m.activeCheckouts.Inc()
}

// RecordCheckoutFinished уменьшает число активных оформлений и пишет длительность.
func (m *CheckoutMetrics) RecordCheckoutFinished(duration time.Duration) {
	m.activeCheckouts.Dec()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordCheckoutCompleted увеличивает счётчик успешных оформлений.
func (m *CheckoutMetrics) RecordCheckoutCompleted() {
	m.checkoutCompleted.Inc()
}

// RecordCheckoutRejected увеличивает счётчик отказов с причиной.
func (m *CheckoutMetrics) RecordCheckoutRejected(reason string) {
	m.checkoutRejected.WithLabelValues(reason).Inc()
}

// RecordDeductionRace увеличивает счётчик проигранных гонок списания.
func (m *CheckoutMetrics) RecordDeductionRace() {
	m.deductionRaces.Inc()
}

// RecordProgressionFailure увеличивает счётчик несохранённых начислений.
func (m *CheckoutMetrics) RecordProgressionFailure() {
	m.progressionFailures.Inc()
}

// RecordNotification считает попытки отправки подтверждений.
func (m *CheckoutMetrics) RecordNotification(result string) {
	m.notifications.WithLabelValues(result).Inc()
}

// RecordLevelUp увеличивает счётчик повышений уровня.
func (m *CheckoutMetrics) RecordLevelUp() {
	m.levelUps.Inc()
}

// RecordReconciled считает обработанные реконсилером оформления.
func (m *CheckoutMetrics) RecordReconciled(outcome string) {
	m.reconciled.WithLabelValues(outcome).Inc()
}

// RecordStepDuration записывает время выполнения шага оформления.
func (m *CheckoutMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CheckoutMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
