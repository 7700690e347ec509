package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
	"github.com/nodefleet/fleet-autoscaler/pkg/state"
)

// sliceSource serves a fixed sample table.
type sliceSource struct {
	samples []state.ForecastSample
	err     error
}

func (s *sliceSource) Samples(ctx context.Context, lookback time.Duration) ([]state.ForecastSample, error) {
	return s.samples, s.err
}

// forecastNow is a Monday at 10:30 UTC, so predictions target hour 11.
var forecastNow = time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)

func newTestForecaster(samples []state.ForecastSample) *Forecaster {
	return NewWithClock(&sliceSource{samples: samples},
		func() time.Time { return forecastNow }, logger.Nop())
}

func mondaySample(hour int, cpu float64) state.ForecastSample {
	return state.ForecastSample{
		Timestamp:   forecastNow.Unix(),
		Hour:        hour,
		DayOfWeek:   0,
		CPUUsage:    cpu,
		MemoryUsage: 60,
		PendingPods: 0,
		NodeCount:   4,
	}
}

func repeatSamples(s state.ForecastSample, n int) []state.ForecastSample {
	out := make([]state.ForecastSample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestPredictReturnsNilOnInsufficientHistory(t *testing.T) {
	f := newTestForecaster(repeatSamples(mondaySample(11, 80), 10))

	pred, err := f.PredictNextPeriod(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestPredictReturnsNilOnSparseHourBucket(t *testing.T) {
	// Plenty of history overall, but only two readings for the next hour.
	samples := repeatSamples(mondaySample(3, 40), 20)
	samples = append(samples, mondaySample(11, 80), mondaySample(11, 80))
	f := newTestForecaster(samples)

	pred, err := f.PredictNextPeriod(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestPredictUsesNextHourBucketMean(t *testing.T) {
	// Uniform CPU keeps the weekly multiplier at 1.
	f := newTestForecaster(repeatSamples(mondaySample(11, 80), 24))

	pred, err := f.PredictNextPeriod(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pred)
	assert.InDelta(t, 80.0, pred.PredictedCPU, 0.01)
	assert.InDelta(t, 60.0, pred.PredictedMemory, 0.01)
	assert.Equal(t, 1.0, pred.Confidence)
}

func TestLowConfidencePredictionInflated(t *testing.T) {
	// Four readings in the target bucket: confidence 0.4, under the floor.
	samples := repeatSamples(mondaySample(3, 50), 16)
	samples = append(samples, repeatSamples(mondaySample(11, 50), 4)...)
	f := newTestForecaster(samples)

	pred, err := f.PredictNextPeriod(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pred)
	assert.InDelta(t, 0.4, pred.Confidence, 0.01)
	assert.InDelta(t, 50*1.2, pred.PredictedCPU, 0.01)
}

func TestWeeklyMultiplierScalesPrediction(t *testing.T) {
	// Mondays run twice as hot as the overall mean.
	mondays := repeatSamples(mondaySample(11, 80), 12)
	tuesday := mondaySample(11, 40)
	tuesday.DayOfWeek = 1
	quiet := repeatSamples(tuesday, 12)
	f := newTestForecaster(append(mondays, quiet...))

	pred, err := f.PredictNextPeriod(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pred)

	// Bucket mean for hour 11 is 60; Monday mean 80 vs overall 60 scales it.
	assert.InDelta(t, 60.0*(80.0/60.0), pred.PredictedCPU, 0.01)
}

func TestShouldPreemptiveScale(t *testing.T) {
	f := newTestForecaster(nil)

	should, _ := f.ShouldPreemptiveScale(nil)
	assert.False(t, should)

	should, reason := f.ShouldPreemptiveScale(&Prediction{PredictedCPU: 85, Confidence: 0.8})
	assert.True(t, should)
	assert.Contains(t, reason, "cpu")

	should, _ = f.ShouldPreemptiveScale(&Prediction{PredictedCPU: 85, Confidence: 0.1})
	assert.False(t, should)

	should, reason = f.ShouldPreemptiveScale(&Prediction{PredictedMemory: 80, Confidence: 0.8})
	assert.True(t, should)
	assert.Contains(t, reason, "memory")

	should, reason = f.ShouldPreemptiveScale(&Prediction{PredictedPending: 3, Confidence: 0.8})
	assert.True(t, should)
	assert.Contains(t, reason, "pending")

	should, _ = f.ShouldPreemptiveScale(&Prediction{PredictedCPU: 40, Confidence: 0.8})
	assert.False(t, should)
}

func TestRecommendNodeCount(t *testing.T) {
	f := newTestForecaster(nil)

	// 90% predicted at 60% target from 4 nodes wants 7.
	assert.Equal(t, 7, f.RecommendNodeCount(&Prediction{PredictedCPU: 90}, 4))

	// Growth is capped at +3.
	assert.Equal(t, 7, f.RecommendNodeCount(&Prediction{PredictedCPU: 200}, 4))

	// Never recommends below 2 nodes.
	assert.Equal(t, 2, f.RecommendNodeCount(&Prediction{PredictedCPU: 10}, 1))

	// Never recommends shrinking.
	assert.Equal(t, 5, f.RecommendNodeCount(&Prediction{PredictedCPU: 5}, 5))

	assert.Equal(t, 4, f.RecommendNodeCount(nil, 4))
}

func TestInLeadWindow(t *testing.T) {
	at := func(minute int) *Forecaster {
		clock := time.Date(2025, 6, 2, 10, minute, 0, 0, time.UTC)
		return NewWithClock(&sliceSource{}, func() time.Time { return clock }, logger.Nop())
	}

	assert.False(t, at(30).InLeadWindow(10))
	assert.False(t, at(49).InLeadWindow(10))
	assert.True(t, at(50).InLeadWindow(10))
	assert.True(t, at(59).InLeadWindow(10))
}
