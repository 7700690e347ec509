package lifecycle

import (
	"sort"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
)

// Victim scoring weights. Lowest score is removed first, so high weights
// protect: nodes carrying system-critical, sole-replica, or stateful
// workloads sort to the back; on-demand is kept over spot; lightly loaded
// and newer nodes go first.
const (
	weightCritical    = 10000.0
	weightSoleReplica = 5000.0
	weightStateful    = 1000.0
	weightOnDemand    = 100.0
)

// Candidate pairs an instance with its node's workload census.
type Candidate struct {
	Instance cloud.Instance
	Census   kube.PodCensus
}

// victimScore computes the removal score for one candidate. launchFraction
// is the candidate's position in [0,1] between the oldest (0) and newest
// (1) launch time; subtracting it biases removal toward newer nodes.
func victimScore(c Candidate, launchFraction float64) float64 {
	var score float64
	if c.Census.HasCritical {
		score += weightCritical
	}
	if c.Census.HostsSoleReplica {
		score += weightSoleReplica
	}
	if c.Census.HasStateful {
		score += weightStateful
	}
	if c.Instance.Lifecycle != cloud.LifecycleSpot {
		score += weightOnDemand
	}
	score += float64(c.Census.WorkloadCount)
	score -= launchFraction
	return score
}

// selectVictims picks the n lowest-scoring candidates for removal.
func selectVictims(candidates []Candidate, n int) []Candidate {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}

	oldest, newest := launchTimeRange(candidates)
	span := newest.Sub(oldest)

	type scored struct {
		candidate Candidate
		score     float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		fraction := 0.0
		if span > 0 {
			fraction = float64(c.Instance.LaunchTime.Sub(oldest)) / float64(span)
		}
		ranked = append(ranked, scored{candidate: c, score: victimScore(c, fraction)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score < ranked[j].score
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	victims := make([]Candidate, n)
	for i := 0; i < n; i++ {
		victims[i] = ranked[i].candidate
	}
	return victims
}

func launchTimeRange(candidates []Candidate) (oldest, newest time.Time) {
	oldest, newest = candidates[0].Instance.LaunchTime, candidates[0].Instance.LaunchTime
	for _, c := range candidates[1:] {
		if c.Instance.LaunchTime.Before(oldest) {
			oldest = c.Instance.LaunchTime
		}
		if c.Instance.LaunchTime.After(newest) {
			newest = c.Instance.LaunchTime
		}
	}
	return oldest, newest
}
