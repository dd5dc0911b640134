package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"uscope-rpc/message"
	"uscope-rpc/protocol"
)

// Metrics holds the collectors shared by every MetricsMiddleware built from it.
type Metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uscope",
			Name:      "commands_total",
			Help:      "Commands executed, by command and outcome.",
		}, []string{"cmd", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uscope",
			Name:      "command_duration_seconds",
			Help:      "Command latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cmd"}),
	}
	for _, c := range []prometheus.Collector{m.commands, m.duration} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records one observation per command.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (any, error) {
			start := time.Now()
			value, err := next(ctx, cmd)

			name := cmd.Cmd.String()
			m.duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			m.commands.WithLabelValues(name, outcome(err)).Inc()
			return value, err
		}
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch protocol.Kind(err) {
	case protocol.ErrConnectFailed:
		return "connect_failed"
	case protocol.ErrConnection:
		return "connection_error"
	case protocol.ErrEncoding:
		return "encoding_error"
	case protocol.ErrDecoding:
		return "decoding_error"
	}
	return "error"
}
