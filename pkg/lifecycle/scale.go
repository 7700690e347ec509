package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
)

// ScaleUp provisions count new workers, balancing the spot/on-demand mix
// and availability-zone placement, then waits for the new nodes to join
// and report ready. A readiness timeout is reported in the result, not
// treated as an error.
func (m *Manager) ScaleUp(ctx context.Context, count int, reason string) (*ScaleUpResult, error) {
	m.log.Infof("scaling up by %d: %s", count, reason)

	fleet, err := m.cloud.WorkerInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect current fleet: %w", err)
	}

	existingSpot, existingOnDemand := countByLifecycle(fleet)
	split := computeLaunchSplit(existingSpot, existingOnDemand, count, m.opts.SpotTargetPct)
	m.log.Infof("launch split: %d spot + %d on-demand (fleet currently %d spot / %d on-demand)",
		split.Spot, split.OnDemand, existingSpot, existingOnDemand)

	batchTag := map[string]string{"ScaleBatch": uuid.NewString()}
	result := &ScaleUpResult{}
	prices := m.subnetSpotPrices(ctx)

	// Launch one at a time so every placement sees the latest distribution.
	launched := fleet
	for i := 0; i < split.Spot; i++ {
		subnet := pickSubnet(launched, m.opts.SubnetIDs, prices)
		id, err := m.cloud.LaunchFromTemplate(ctx, m.opts.SpotTemplateID, subnet, cloud.LifecycleSpot, batchTag)
		if err != nil {
			// Spot capacity shortfall degrades to on-demand instead of
			// failing the scale-up.
			m.log.Warnf("spot launch failed, shifting remaining %d to on-demand: %v", split.Spot-i, err)
			split.OnDemand += split.Spot - i
			break
		}
		result.LaunchedIDs = append(result.LaunchedIDs, id)
		result.SpotCount++
		launched = append(launched, cloud.Instance{ID: id, SubnetID: subnet, Lifecycle: cloud.LifecycleSpot})
	}

	for i := 0; i < split.OnDemand; i++ {
		subnet := pickSubnet(launched, m.opts.SubnetIDs, nil)
		id, err := m.cloud.LaunchFromTemplate(ctx, m.opts.WorkerTemplateID, subnet, cloud.LifecycleOnDemand, batchTag)
		if err != nil {
			if len(result.LaunchedIDs) == 0 {
				return nil, fmt.Errorf("launch on-demand instance: %w", err)
			}
			m.log.Errorf("on-demand launch failed after %d launches: %v", len(result.LaunchedIDs), err)
			break
		}
		result.LaunchedIDs = append(result.LaunchedIDs, id)
		result.OnDemandCount++
		launched = append(launched, cloud.Instance{ID: id, SubnetID: subnet, Lifecycle: cloud.LifecycleOnDemand})
	}

	start := m.now()
	result.ReadyNodes = m.waitForNodesReady(ctx, result.LaunchedIDs)
	result.JoinLatency = m.now().Sub(start)

	m.log.Infof("scale-up done: launched=%d ready=%d latency=%v",
		len(result.LaunchedIDs), len(result.ReadyNodes), result.JoinLatency)
	return result, nil
}

// subnetSpotPrices maps each configured subnet to the current spot price
// of its availability zone. Best effort: missing configuration or a failed
// lookup yields nil and placement falls back to pure count balancing.
func (m *Manager) subnetSpotPrices(ctx context.Context) map[string]float64 {
	if m.opts.SpotInstanceType == "" || len(m.opts.SubnetZones) == 0 {
		return nil
	}

	zones := make([]string, 0, len(m.opts.SubnetZones))
	seen := make(map[string]bool, len(m.opts.SubnetZones))
	for _, zone := range m.opts.SubnetZones {
		if !seen[zone] {
			seen[zone] = true
			zones = append(zones, zone)
		}
	}

	zonePrices, err := m.cloud.SpotPrices(ctx, m.opts.SpotInstanceType, zones)
	if err != nil {
		m.log.Warnf("spot price lookup failed, placing by count only: %v", err)
		return nil
	}

	prices := make(map[string]float64, len(m.opts.SubnetZones))
	for subnet, zone := range m.opts.SubnetZones {
		if price, ok := zonePrices[zone]; ok {
			prices[subnet] = price
		}
	}
	return prices
}

// waitForNodesReady polls the orchestrator until every launched instance's
// node reports ready or the timeout elapses, returning the ready subset.
func (m *Manager) waitForNodesReady(ctx context.Context, instanceIDs []string) []string {
	if len(instanceIDs) == 0 {
		return nil
	}

	deadline := m.now().Add(m.opts.NodeReadyTimeout)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	pending := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		pending[id] = true
	}
	var ready []string

	for len(pending) > 0 {
		for id := range pending {
			nodeName, err := m.resolveNodeName(ctx, id)
			if err != nil || nodeName == "" {
				continue
			}
			ok, err := m.orch.NodeReady(ctx, nodeName)
			if err != nil {
				m.log.Debugf("readiness check for %s: %v", nodeName, err)
				continue
			}
			if ok {
				ready = append(ready, nodeName)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}

		if m.now().After(deadline) {
			m.log.Warnf("%d nodes not ready before timeout", len(pending))
			break
		}
		select {
		case <-ctx.Done():
			return ready
		case <-ticker.C:
		}
	}
	return ready
}

// ScaleDown removes count workers: score every node, drain the safest
// victims, terminate their instances, and delete the node objects. A
// refused or timed-out drain fails that node only; the operation continues
// with the remaining victims.
func (m *Manager) ScaleDown(ctx context.Context, count int, reason string) (*ScaleDownResult, error) {
	m.log.Infof("scaling down by %d: %s", count, reason)

	fleet, err := m.cloud.WorkerInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect current fleet: %w", err)
	}
	if len(fleet) <= count {
		// Never empty the fleet entirely.
		count = max(0, len(fleet)-1)
	}
	if count == 0 {
		return &ScaleDownResult{}, nil
	}

	census, err := m.orch.NodePodCensus(ctx)
	if err != nil {
		return nil, fmt.Errorf("census workloads: %w", err)
	}

	candidates := make([]Candidate, 0, len(fleet))
	for _, inst := range fleet {
		candidates = append(candidates, Candidate{
			Instance: inst,
			Census:   census[inst.NodeName],
		})
	}

	result := &ScaleDownResult{}
	for _, victim := range selectVictims(candidates, count) {
		nodeName := victim.Instance.NodeName

		if err := m.DrainNode(ctx, nodeName, m.opts.DrainTimeout); err != nil {
			if errors.Is(err, ErrDrainAborted) || errors.Is(err, ErrDrainTimeout) {
				m.log.Errorf("skipping removal of %s: %v", nodeName, err)
				continue
			}
			return result, fmt.Errorf("drain %s: %w", nodeName, err)
		}

		if err := m.cloud.Terminate(ctx, victim.Instance.ID); err != nil {
			m.log.Errorf("terminate %s failed: %v", victim.Instance.ID, err)
			continue
		}
		if err := m.orch.DeleteNode(ctx, nodeName); err != nil {
			m.log.Warnf("delete node object %s: %v", nodeName, err)
		}
		result.TerminatedIDs = append(result.TerminatedIDs, victim.Instance.ID)
	}

	m.log.Infof("scale-down done: terminated=%v", result.TerminatedIDs)
	return result, nil
}

// resolveNodeName maps an instance id to its orchestrator node name.
func (m *Manager) resolveNodeName(ctx context.Context, instanceID string) (string, error) {
	inst, err := m.cloud.DescribeInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return inst.NodeName, nil
}
