// Predictive load forecasting from historical metric patterns.
//
// Samples are bucketed by hour of day and day of week; the next hour's
// bucket mean becomes the prediction, adjusted by a weekly seasonality
// multiplier. Confidence grows with bucket sample count.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
	"github.com/nodefleet/fleet-autoscaler/pkg/state"
)

const (
	// minSamples is the floor below which no prediction is made.
	minSamples = 20
	// minBucketSamples is the per-bucket floor for using its mean.
	minBucketSamples = 3

	// lowConfidenceMargin inflates uncertain predictions.
	confidenceFloor     = 0.5
	lowConfidenceMargin = 1.2

	// DefaultLookback is how far back samples are analyzed.
	DefaultLookback = 7 * 24 * time.Hour
)

// Prediction is the forecast for the next hour.
type Prediction struct {
	PredictedCPU     float64
	PredictedMemory  float64
	PredictedPending int
	Confidence       float64 // [0, 1]
}

// SampleSource provides the historical sample table.
type SampleSource interface {
	Samples(ctx context.Context, lookback time.Duration) ([]state.ForecastSample, error)
}

// Forecaster mines historical samples for repeating load patterns.
type Forecaster struct {
	source   SampleSource
	lookback time.Duration

	// Preemptive-scale policy knobs.
	CPUThreshold      float64 // default 70
	TargetUtilization float64 // default 60
	MinConfidence     float64 // default 0.3

	now func() time.Time
	log logger.Logger
}

func New(source SampleSource, log logger.Logger) *Forecaster {
	return &Forecaster{
		source:            source,
		lookback:          DefaultLookback,
		CPUThreshold:      70.0,
		TargetUtilization: 60.0,
		MinConfidence:     0.3,
		now:               time.Now,
		log:               log,
	}
}

// NewWithClock injects a time source. For tests.
func NewWithClock(source SampleSource, now func() time.Time, log logger.Logger) *Forecaster {
	f := New(source, log)
	f.now = now
	return f
}

// bucketStats aggregates one hour-of-day or day-of-week bucket.
type bucketStats struct {
	meanCPU     float64
	meanMemory  float64
	meanPending float64
	stddevCPU   float64
	count       int
}

// PredictNextPeriod forecasts the next hour's load. Returns (nil, nil) when
// there is not enough history to predict; callers must treat absence as
// "do not act".
func (f *Forecaster) PredictNextPeriod(ctx context.Context) (*Prediction, error) {
	samples, err := f.source.Samples(ctx, f.lookback)
	if err != nil {
		return nil, fmt.Errorf("load historical samples: %w", err)
	}
	if len(samples) < minSamples {
		f.log.Infof("insufficient history for prediction (%d < %d samples)", len(samples), minSamples)
		return nil, nil
	}

	hourly := bucketByHour(samples)
	weekly := bucketByDay(samples)

	now := f.now().UTC()
	nextHour := (now.Hour() + 1) % 24

	bucket, ok := hourly[nextHour]
	if !ok || bucket.count < minBucketSamples {
		f.log.Infof("hour bucket %d too sparse for prediction", nextHour)
		return nil, nil
	}

	pred := &Prediction{
		PredictedCPU:     bucket.meanCPU,
		PredictedMemory:  bucket.meanMemory,
		PredictedPending: int(bucket.meanPending),
		Confidence:       math.Min(float64(bucket.count)/10.0, 1.0),
	}

	// Weekly seasonality: scale by today's mean relative to the overall mean.
	day := mondayIndexed(now.Weekday())
	if dayBucket, ok := weekly[day]; ok {
		overall := overallMeanCPU(samples)
		if overall > 0 {
			multiplier := dayBucket.meanCPU / overall
			pred.PredictedCPU *= multiplier
			pred.PredictedMemory *= multiplier
		}
	}

	if pred.Confidence < confidenceFloor {
		pred.PredictedCPU *= lowConfidenceMargin
		pred.PredictedMemory *= lowConfidenceMargin
	}

	f.log.Infof("prediction for hour %d: cpu=%.1f%% memory=%.1f%% pending=%d confidence=%.2f",
		nextHour, pred.PredictedCPU, pred.PredictedMemory, pred.PredictedPending, pred.Confidence)
	return pred, nil
}

// ShouldPreemptiveScale decides whether the prediction justifies scaling
// up ahead of the load.
func (f *Forecaster) ShouldPreemptiveScale(pred *Prediction) (bool, string) {
	if pred == nil || pred.Confidence < f.MinConfidence {
		return false, "insufficient prediction confidence"
	}

	if pred.PredictedCPU > f.CPUThreshold {
		return true, fmt.Sprintf("predicted cpu spike: %.1f%% (threshold %.0f%%)", pred.PredictedCPU, f.CPUThreshold)
	}
	if pred.PredictedMemory > f.CPUThreshold*1.05 {
		return true, fmt.Sprintf("predicted memory spike: %.1f%%", pred.PredictedMemory)
	}
	if pred.PredictedPending > 0 {
		return true, fmt.Sprintf("predicted pending pods: %d", pred.PredictedPending)
	}

	return false, "no predicted load spike"
}

// RecommendNodeCount sizes the fleet so the predicted CPU lands on the
// target utilization, bounded to [2, current+3].
func (f *Forecaster) RecommendNodeCount(pred *Prediction, currentNodes int) int {
	if pred == nil || f.TargetUtilization <= 0 {
		return currentNodes
	}

	recommended := currentNodes
	scaled := int((pred.PredictedCPU/f.TargetUtilization)*float64(currentNodes)) + 1
	if scaled > recommended {
		recommended = scaled
	}

	if recommended > currentNodes+3 {
		recommended = currentNodes + 3
	}
	if recommended < 2 {
		recommended = 2
	}
	return recommended
}

// InLeadWindow reports whether the invocation falls in the last leadMinutes
// of the hour. The control loop only consults the forecaster inside this
// window, bounding forecast-driven churn to once per hour.
func (f *Forecaster) InLeadWindow(leadMinutes int) bool {
	return f.now().UTC().Minute() >= 60-leadMinutes
}

func bucketByHour(samples []state.ForecastSample) map[int]bucketStats {
	groups := make(map[int][]state.ForecastSample)
	for _, s := range samples {
		groups[s.Hour] = append(groups[s.Hour], s)
	}
	return aggregate(groups)
}

func bucketByDay(samples []state.ForecastSample) map[int]bucketStats {
	groups := make(map[int][]state.ForecastSample)
	for _, s := range samples {
		groups[s.DayOfWeek] = append(groups[s.DayOfWeek], s)
	}
	return aggregate(groups)
}

func aggregate(groups map[int][]state.ForecastSample) map[int]bucketStats {
	out := make(map[int]bucketStats, len(groups))
	for key, group := range groups {
		var sumCPU, sumMem, sumPending float64
		for _, s := range group {
			sumCPU += s.CPUUsage
			sumMem += s.MemoryUsage
			sumPending += float64(s.PendingPods)
		}
		n := float64(len(group))
		stats := bucketStats{
			meanCPU:     sumCPU / n,
			meanMemory:  sumMem / n,
			meanPending: sumPending / n,
			count:       len(group),
		}
		if len(group) > 1 {
			var variance float64
			for _, s := range group {
				d := s.CPUUsage - stats.meanCPU
				variance += d * d
			}
			stats.stddevCPU = math.Sqrt(variance / (n - 1))
		}
		out[key] = stats
	}
	return out
}

func overallMeanCPU(samples []state.ForecastSample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.CPUUsage
	}
	return sum / float64(len(samples))
}

func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
