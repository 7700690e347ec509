package lifecycle

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
)

// DrainNode safely clears a node ahead of removal. All-or-nothing: on the
// stateful-set safety gate or a timeout, schedulability is restored and an
// error returned.
//
// Steps: cordon (a node absent from the API is a successful no-op: it
// never joined or already left); enumerate workloads minus daemon-style
// and mirror pods; verify every stateful-set pod has a ready replica on
// another node; evict with the configured grace period; poll until the
// node is empty of non-infrastructure workloads or the timeout elapses.
func (m *Manager) DrainNode(ctx context.Context, nodeName string, timeout time.Duration) error {
	node, err := m.orch.GetNode(ctx, nodeName)
	if err != nil {
		return fmt.Errorf("look up node %s: %w", nodeName, err)
	}
	if node == nil {
		m.log.Infof("node %s absent from orchestrator, nothing to drain", nodeName)
		return nil
	}

	if err := m.orch.SetUnschedulable(ctx, nodeName, true); err != nil {
		return fmt.Errorf("cordon node %s: %w", nodeName, err)
	}

	pods, err := m.orch.PodsOnNode(ctx, nodeName)
	if err != nil {
		m.restoreSchedulability(ctx, nodeName)
		return fmt.Errorf("enumerate workloads on %s: %w", nodeName, err)
	}

	var evictable []corev1.Pod
	for _, pod := range pods {
		if kube.IsDaemonOrMirrorPod(pod) {
			continue
		}
		evictable = append(evictable, pod)
	}

	// Safety gate: refuse to drain the last ready replica of any stateful
	// set. Hard stop, not a warning.
	for _, pod := range evictable {
		if !hasOwnerKind(pod, "StatefulSet") {
			continue
		}
		ok, err := m.orch.StatefulSetHasReadyReplicaElsewhere(ctx, pod, nodeName)
		if err != nil {
			m.restoreSchedulability(ctx, nodeName)
			return fmt.Errorf("verify stateful replicas for %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		if !ok {
			m.log.Errorf("refusing to drain %s: %s/%s is the last ready stateful replica", nodeName, pod.Namespace, pod.Name)
			m.restoreSchedulability(ctx, nodeName)
			return ErrDrainAborted
		}
	}

	for _, pod := range evictable {
		outcome, err := m.orch.EvictPod(ctx, pod, m.opts.EvictionGraceSeconds)
		if err != nil {
			m.log.Warnf("eviction of %s/%s failed: %v", pod.Namespace, pod.Name, err)
			continue
		}
		switch outcome {
		case kube.AlreadyGone:
			m.log.Debugf("pod %s/%s already gone", pod.Namespace, pod.Name)
		case kube.BlockedByBudget:
			// Retried implicitly by the empty-node poll below.
		}
	}

	if err := m.waitForEmptyNode(ctx, nodeName, timeout); err != nil {
		m.restoreSchedulability(ctx, nodeName)
		return err
	}

	m.log.Infof("node %s drained", nodeName)
	return nil
}

// waitForEmptyNode polls until the node hosts no non-infrastructure
// workloads or the timeout elapses.
func (m *Manager) waitForEmptyNode(ctx context.Context, nodeName string, timeout time.Duration) error {
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		pods, err := m.orch.PodsOnNode(ctx, nodeName)
		if err != nil {
			return fmt.Errorf("poll workloads on %s: %w", nodeName, err)
		}

		remaining := 0
		for _, pod := range pods {
			if kube.IsDaemonOrMirrorPod(pod) {
				continue
			}
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				continue
			}
			remaining++
		}
		if remaining == 0 {
			return nil
		}

		if m.now().After(deadline) {
			m.log.Errorf("drain of %s timed out with %d workloads remaining", nodeName, remaining)
			return ErrDrainTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// restoreSchedulability uncordons after a refused or failed drain.
// Mandatory on every failure path.
func (m *Manager) restoreSchedulability(ctx context.Context, nodeName string) {
	if err := m.orch.SetUnschedulable(ctx, nodeName, false); err != nil {
		m.log.Errorf("failed to restore schedulability on %s: %v", nodeName, err)
	}
}

func hasOwnerKind(pod corev1.Pod, kind string) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == kind {
			return true
		}
	}
	return false
}
