package observability

import (
	"context"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCRequests counts finished RPCs by procedure and Connect code.
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendsense",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Finished RPCs by procedure and result code",
		},
		[]string{"procedure", "code"},
	)

	// RPCDuration is handler latency. Batch completion runs the whole
	// pipeline, so the buckets reach into minutes.
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendsense",
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC handler latency in seconds",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 180},
		},
		[]string{"procedure"},
	)

	RPCInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendsense",
		Subsystem: "rpc",
		Name:      "in_flight",
		Help:      "RPCs currently being handled",
	})
)

// NewMetricsInterceptor records RPC counts and latency.
func NewMetricsInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			RPCInFlight.Inc()
			defer RPCInFlight.Dec()

			procedure := req.Spec().Procedure
			timer := prometheus.NewTimer(RPCDuration.WithLabelValues(procedure))
			resp, err := next(ctx, req)
			timer.ObserveDuration()

			RPCRequests.WithLabelValues(procedure, codeLabel(err)).Inc()
			return resp, err
		}
	}
}

func codeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return connect.CodeOf(err).String()
}
