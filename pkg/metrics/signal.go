package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/common/model"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// Signal is the result of evaluating application-level metrics against
// their thresholds. It feeds the decision engine as an extra scale-up
// trigger alongside the cluster metrics.
type Signal struct {
	ScaleNeeded bool
	Reasons     []string
}

// SignalThresholds bound the application metrics.
type SignalThresholds struct {
	QueueDepthMax   int
	LatencyP95MaxMS float64
	ErrorRateMaxPct float64
}

// DefaultSignalThresholds mirrors the thresholds the demo workload was
// tuned against.
func DefaultSignalThresholds() SignalThresholds {
	return SignalThresholds{
		QueueDepthMax:   1000,
		LatencyP95MaxMS: 2000,
		ErrorRateMaxPct: 5.0,
	}
}

// SignalCollector evaluates custom application metrics (queue depth, API
// latency, error rate) for scaling pressure the cluster-level metrics miss.
type SignalCollector struct {
	api        Querier
	thresholds SignalThresholds
	log        logger.Logger
}

func NewSignalCollector(q Querier, thresholds SignalThresholds, log logger.Logger) *SignalCollector {
	return &SignalCollector{api: q, thresholds: thresholds, log: log}
}

// Evaluate queries the application metrics and compares them against the
// thresholds. A metric that cannot be queried is skipped, not treated as
// pressure.
func (s *SignalCollector) Evaluate(ctx context.Context) Signal {
	var sig Signal

	if depth, ok := s.query(ctx, `app_queue_depth{queue="default"}`); ok {
		if int(depth) > s.thresholds.QueueDepthMax {
			sig.ScaleNeeded = true
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("queue depth %d exceeds %d", int(depth), s.thresholds.QueueDepthMax))
		}
	}

	latencyQuery := `histogram_quantile(0.95, rate(http_request_duration_seconds_bucket{service="api"}[5m])) * 1000`
	if latency, ok := s.query(ctx, latencyQuery); ok {
		if latency > s.thresholds.LatencyP95MaxMS {
			sig.ScaleNeeded = true
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("p95 latency %.0fms exceeds %.0fms", latency, s.thresholds.LatencyP95MaxMS))
		}
	}

	errQuery := `(rate(http_requests_total{service="api", status=~"5.."}[5m]) / rate(http_requests_total{service="api"}[5m])) * 100`
	if errRate, ok := s.query(ctx, errQuery); ok {
		if errRate > s.thresholds.ErrorRateMaxPct {
			sig.ScaleNeeded = true
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", errRate, s.thresholds.ErrorRateMaxPct))
		}
	}

	s.log.Debugf("custom signal evaluated: scale_needed=%v reasons=%v", sig.ScaleNeeded, sig.Reasons)
	return sig
}

func (s *SignalCollector) query(ctx context.Context, query string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, _, err := s.api.Query(ctx, query, time.Now())
	if err != nil {
		s.log.Warnf("custom metric query failed: %v", err)
		return 0, false
	}
	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, false
	}
	return float64(vector[0].Value), true
}
