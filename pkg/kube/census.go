package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const mirrorPodAnnotation = "kubernetes.io/config.mirror"

// PodCensus summarizes the workloads hosted on one node, feeding victim
// selection.
type PodCensus struct {
	WorkloadCount  int
	HasStateful    bool
	HasCritical    bool
	HostsSoleReplica bool
}

// NodePodCensus builds a per-node workload summary across all namespaces.
// Daemon-style and mirror pods never count; kube-system pods that are
// neither mark the node as hosting critical workloads.
func (c *Client) NodePodCensus(ctx context.Context) (map[string]PodCensus, error) {
	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	soloControllers, err := c.singleReplicaControllers(ctx)
	if err != nil {
		c.log.Warnf("could not resolve replica counts, assuming safe defaults: %v", err)
		soloControllers = map[string]bool{}
	}

	census := make(map[string]PodCensus)
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		nodeName := pod.Spec.NodeName
		if nodeName == "" {
			continue
		}

		entry := census[nodeName]

		if pod.Namespace == metav1.NamespaceSystem {
			if !IsDaemonOrMirrorPod(pod) {
				entry.HasCritical = true
			}
			census[nodeName] = entry
			continue
		}

		if IsDaemonOrMirrorPod(pod) {
			census[nodeName] = entry
			continue
		}

		entry.WorkloadCount++

		for _, owner := range pod.OwnerReferences {
			switch owner.Kind {
			case "StatefulSet":
				entry.HasStateful = true
				if soloControllers[pod.Namespace+"/StatefulSet/"+owner.Name] {
					entry.HostsSoleReplica = true
				}
			case "ReplicaSet":
				if soloControllers[pod.Namespace+"/ReplicaSet/"+owner.Name] {
					entry.HostsSoleReplica = true
				}
			}
		}

		census[nodeName] = entry
	}

	return census, nil
}

// singleReplicaControllers maps "namespace/kind/name" to true for
// controllers whose desired replica count is exactly one.
func (c *Client) singleReplicaControllers(ctx context.Context) (map[string]bool, error) {
	solo := make(map[string]bool)

	replicaSets, err := c.clientset.AppsV1().ReplicaSets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list replicasets: %w", err)
	}
	for _, rs := range replicaSets.Items {
		if rs.Spec.Replicas != nil && *rs.Spec.Replicas == 1 {
			solo[rs.Namespace+"/ReplicaSet/"+rs.Name] = true
		}
	}

	statefulSets, err := c.clientset.AppsV1().StatefulSets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list statefulsets: %w", err)
	}
	for _, sts := range statefulSets.Items {
		if sts.Spec.Replicas != nil && *sts.Spec.Replicas == 1 {
			solo[sts.Namespace+"/StatefulSet/"+sts.Name] = true
		}
	}

	return solo, nil
}

// IsDaemonOrMirrorPod reports whether the pod is daemon-style or a
// mirror/static pod. Such pods are excluded from draining.
func IsDaemonOrMirrorPod(pod corev1.Pod) bool {
	if _, mirror := pod.Annotations[mirrorPodAnnotation]; mirror {
		return true
	}
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}
