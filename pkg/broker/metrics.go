package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's Prometheus instrumentation.
type Metrics struct {
	Published      prometheus.Counter
	Delivered      prometheus.Counter
	Dropped        prometheus.Counter
	CallbackErrors prometheus.Counter
	QueueFull      prometheus.Counter
	QueueDepth     prometheus.GaugeFunc
}

// NewMetrics registers broker metrics on reg. depth reports the current
// number of queued-but-undelivered messages.
func NewMetrics(reg prometheus.Registerer, depth func() float64) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_broker_published_total",
			Help: "Messages accepted by Publish.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_broker_delivered_total",
			Help: "Callback deliveries completed.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_broker_dropped_total",
			Help: "Messages that matched no subscription and were dropped.",
		}),
		CallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_broker_callback_errors_total",
			Help: "Subscriber callbacks that panicked inside the error guard.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_broker_queue_full_total",
			Help: "Publishes refused because the dispatch queue was full.",
		}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowgate_broker_queue_depth",
			Help: "Messages queued for dispatch.",
		}, depth),
	}
	reg.MustRegister(m.Published, m.Delivered, m.Dropped, m.CallbackErrors, m.QueueFull, m.QueueDepth)
	return m
}
