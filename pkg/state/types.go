// Cluster state persistence and distributed locking.
package state

import "time"

// MetricSnapshot is one point-in-time reading appended to the rolling
// history. Immutable once appended.
type MetricSnapshot struct {
	Timestamp   int64   `json:"timestamp"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	PendingPods int     `json:"pending_pods"`
}

// ClusterState is the single persisted record per cluster.
type ClusterState struct {
	ClusterID      string           `json:"cluster_id"`
	NodeCount      int              `json:"node_count"`
	LastScaleTime  int64            `json:"last_scale_time"`
	LockHeld       bool             `json:"lock_held"`
	LockAcquiredAt int64            `json:"lock_acquired_at"`
	LockExpiry     int64            `json:"lock_expiry"`
	LockReleasedAt int64            `json:"lock_released_at,omitempty"`
	MetricsHistory []MetricSnapshot `json:"metrics_history"`
}

// ForecastSample is one historical reading kept for the predictive
// forecaster, bucketed by hour of day and day of week at write time.
type ForecastSample struct {
	Timestamp   int64   `json:"timestamp"`
	Hour        int     `json:"hour"`
	DayOfWeek   int     `json:"day_of_week"` // 0=Monday .. 6=Sunday
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	PendingPods int     `json:"pending_pods"`
	NodeCount   int     `json:"node_count"`
}

// NewForecastSample buckets a reading at the given time.
func NewForecastSample(t time.Time, cpu, memory float64, pending, nodes int) ForecastSample {
	return ForecastSample{
		Timestamp:   t.Unix(),
		Hour:        t.UTC().Hour(),
		DayOfWeek:   mondayIndexed(t.UTC().Weekday()),
		CPUUsage:    cpu,
		MemoryUsage: memory,
		PendingPods: pending,
		NodeCount:   nodes,
	}
}

// mondayIndexed converts Go's Sunday=0 weekday to Monday=0.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
