package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
)

var launchBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func candidate(id string, lc cloud.Lifecycle, launchOffset time.Duration, census kube.PodCensus) Candidate {
	return Candidate{
		Instance: cloud.Instance{
			ID:         id,
			NodeName:   "node-" + id,
			Lifecycle:  lc,
			LaunchTime: launchBase.Add(launchOffset),
		},
		Census: census,
	}
}

func TestEmptySpotNodeRemovedFirst(t *testing.T) {
	candidates := []Candidate{
		candidate("critical", cloud.LifecycleSpot, 0, kube.PodCensus{HasCritical: true, WorkloadCount: 2}),
		candidate("empty", cloud.LifecycleSpot, 0, kube.PodCensus{}),
		candidate("busy", cloud.LifecycleSpot, 0, kube.PodCensus{WorkloadCount: 8}),
	}

	victims := selectVictims(candidates, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "empty", victims[0].Instance.ID)
}

func TestProtectiveWeightsOrdering(t *testing.T) {
	candidates := []Candidate{
		candidate("critical", cloud.LifecycleSpot, 0, kube.PodCensus{HasCritical: true}),
		candidate("sole", cloud.LifecycleSpot, 0, kube.PodCensus{HostsSoleReplica: true}),
		candidate("stateful", cloud.LifecycleSpot, 0, kube.PodCensus{HasStateful: true}),
		candidate("plain", cloud.LifecycleSpot, 0, kube.PodCensus{}),
	}

	victims := selectVictims(candidates, 4)
	require.Len(t, victims, 4)
	assert.Equal(t, "plain", victims[0].Instance.ID)
	assert.Equal(t, "stateful", victims[1].Instance.ID)
	assert.Equal(t, "sole", victims[2].Instance.ID)
	assert.Equal(t, "critical", victims[3].Instance.ID)
}

func TestSpotRemovedBeforeOnDemand(t *testing.T) {
	candidates := []Candidate{
		candidate("od", cloud.LifecycleOnDemand, 0, kube.PodCensus{WorkloadCount: 1}),
		candidate("spot", cloud.LifecycleSpot, 0, kube.PodCensus{WorkloadCount: 1}),
	}

	victims := selectVictims(candidates, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "spot", victims[0].Instance.ID)
}

func TestNewerNodeRemovedFirst(t *testing.T) {
	// Identical otherwise: the launch-time bias prefers removing the newest.
	candidates := []Candidate{
		candidate("old", cloud.LifecycleSpot, 0, kube.PodCensus{WorkloadCount: 3}),
		candidate("new", cloud.LifecycleSpot, 48*time.Hour, kube.PodCensus{WorkloadCount: 3}),
	}

	victims := selectVictims(candidates, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "new", victims[0].Instance.ID)
}

func TestWorkloadCountBreaksTies(t *testing.T) {
	candidates := []Candidate{
		candidate("loaded", cloud.LifecycleSpot, 0, kube.PodCensus{WorkloadCount: 9}),
		candidate("light", cloud.LifecycleSpot, 0, kube.PodCensus{WorkloadCount: 2}),
	}

	victims := selectVictims(candidates, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "light", victims[0].Instance.ID)
}

func TestSelectVictimsBounds(t *testing.T) {
	candidates := []Candidate{
		candidate("a", cloud.LifecycleSpot, 0, kube.PodCensus{}),
		candidate("b", cloud.LifecycleSpot, 0, kube.PodCensus{}),
	}

	assert.Nil(t, selectVictims(candidates, 0))
	assert.Nil(t, selectVictims(nil, 2))
	assert.Len(t, selectVictims(candidates, 5), 2)
}
