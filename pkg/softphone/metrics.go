package softphone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics экспортирует метрики софтфона в Prometheus.
//
// nil-safe: все методы допускают вызов на nil получателе, что позволяет
// полностью отключить метрики через конфигурацию.
type Metrics struct {
	callsTotal        *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	callDuration      prometheus.Histogram
	registered        prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectFailures prometheus.Counter
}

// NewMetrics создает и регистрирует метрики в переданном реестре.
// Возвращает nil если reg == nil (метрики отключены).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "calls_total",
			Help:      "Количество вызовов по направлению и терминальному статусу",
		}, []string{"direction", "status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "active_sessions",
			Help:      "Текущее число не-терминальных сессий (0 или 1)",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "call_duration_seconds",
			Help:      "Длительность завершенных вызовов",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "registered",
			Help:      "1 если UA зарегистрирован",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "reconnect_attempts_total",
			Help:      "Количество попыток переподключения",
		}),
		reconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdesk",
			Subsystem: "softphone",
			Name:      "reconnect_failures_total",
			Help:      "Количество исчерпаний бюджета переподключений",
		}),
	}

	reg.MustRegister(
		m.callsTotal,
		m.activeSessions,
		m.callDuration,
		m.registered,
		m.reconnectAttempts,
		m.reconnectFailures,
	)
	return m
}

// CallStarted учитывает создание сессии
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// CallEnded учитывает терминальное состояние сессии
func (m *Metrics) CallEnded(direction CallDirection, status CallStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.callsTotal.WithLabelValues(string(direction), string(status)).Inc()
	m.callDuration.Observe(duration.Seconds())
}

// RegistrationState учитывает смену состояния регистрации
func (m *Metrics) RegistrationState(registered bool) {
	if m == nil {
		return
	}
	if registered {
		m.registered.Set(1)
	} else {
		m.registered.Set(0)
	}
}

// ReconnectAttempt учитывает попытку переподключения
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// ReconnectExhausted учитывает исчерпание бюджета переподключений
func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectFailures.Inc()
}
