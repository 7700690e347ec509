package lifecycle

import "github.com/nodefleet/fleet-autoscaler/pkg/cloud"

// LaunchSplit is the spot/on-demand breakdown for one incremental
// scale-up.
type LaunchSplit struct {
	Spot     int
	OnDemand int
}

// computeLaunchSplit decides how many spot and on-demand instances to
// launch so the fleet as a whole moves toward the target spot ratio.
// Existing instances are never changed; only the increment is adjusted.
// Leftover capacity goes to spot, the cheaper class.
func computeLaunchSplit(existingSpot, existingOnDemand, toAdd, targetSpotPct int) LaunchSplit {
	if toAdd <= 0 {
		return LaunchSplit{}
	}

	desiredTotal := existingSpot + existingOnDemand + toAdd
	idealSpot := desiredTotal * targetSpotPct / 100
	idealOnDemand := desiredTotal - idealSpot

	spotToAdd := max(0, idealSpot-existingSpot)
	onDemandToAdd := max(0, idealOnDemand-existingOnDemand)

	total := spotToAdd + onDemandToAdd
	if total > toAdd {
		// Prioritize spot within the increment.
		if spotToAdd > toAdd {
			spotToAdd = toAdd
			onDemandToAdd = 0
		} else {
			onDemandToAdd = toAdd - spotToAdd
		}
	} else if total < toAdd {
		spotToAdd += toAdd - total
	}

	return LaunchSplit{Spot: spotToAdd, OnDemand: onDemandToAdd}
}

// countByLifecycle tallies the fleet per purchase class.
func countByLifecycle(instances []cloud.Instance) (spot, onDemand int) {
	for _, inst := range instances {
		if inst.Lifecycle == cloud.LifecycleSpot {
			spot++
		} else {
			onDemand++
		}
	}
	return spot, onDemand
}

// pickSubnet returns the subnet currently holding the fewest instances.
// Greedy balancing, not strict round robin: launches between invocations
// shift the counts and the next pick adapts. Ties between equally
// populated subnets go to the one with the lowest spot price, when
// prices are known.
func pickSubnet(instances []cloud.Instance, subnets []string, prices map[string]float64) string {
	if len(subnets) == 0 {
		return ""
	}

	counts := make(map[string]int, len(subnets))
	for _, subnet := range subnets {
		counts[subnet] = 0
	}
	for _, inst := range instances {
		if _, tracked := counts[inst.SubnetID]; tracked {
			counts[inst.SubnetID]++
		}
	}

	best := subnets[0]
	for _, subnet := range subnets[1:] {
		switch {
		case counts[subnet] < counts[best]:
			best = subnet
		case counts[subnet] == counts[best] && cheaper(prices, subnet, best):
			best = subnet
		}
	}
	return best
}

// cheaper reports whether subnet a has a known spot price below b's.
func cheaper(prices map[string]float64, a, b string) bool {
	pa, okA := prices[a]
	pb, okB := prices[b]
	if !okA {
		return false
	}
	if !okB {
		return true
	}
	return pa < pb
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
