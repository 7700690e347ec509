package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// InterruptionResult reports how an interruption notice was handled.
type InterruptionResult struct {
	InstanceID string
	NodeName   string
	Drained    bool
}

// HandleInterruption reacts to a spot interruption notice for one
// instance: tag it for tracking, resolve its node, and drain immediately
// with the shortened timeout. Runs outside the periodic control loop; the
// capacity reclaim deadline does not wait for the next tick.
func (m *Manager) HandleInterruption(ctx context.Context, instanceID string) (*InterruptionResult, error) {
	m.log.Warnf("handling spot interruption for %s", instanceID)

	tags := map[string]string{
		"SpotInterruptionHandled": "true",
		"InterruptionTime":        m.now().UTC().Format(time.RFC3339),
	}
	if err := m.cloud.Tag(ctx, []string{instanceID}, tags); err != nil {
		m.log.Warnf("could not tag interrupted instance %s: %v", instanceID, err)
	}

	nodeName, err := m.resolveNodeName(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("resolve node for interrupted instance %s: %w", instanceID, err)
	}

	result := &InterruptionResult{InstanceID: instanceID, NodeName: nodeName}

	if err := m.DrainNode(ctx, nodeName, m.opts.InterruptionDrainTimeout); err != nil {
		return result, fmt.Errorf("drain interrupted node %s: %w", nodeName, err)
	}
	result.Drained = true

	// The cloud provider reclaims the instance itself; only the node
	// object needs cleaning up.
	if err := m.orch.DeleteNode(ctx, nodeName); err != nil {
		m.log.Warnf("delete node object %s: %v", nodeName, err)
	}

	m.log.Infof("interrupted instance %s (node %s) drained", instanceID, nodeName)
	return result, nil
}
