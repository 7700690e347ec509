// Orchestration API client for node lifecycle operations.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// Client wraps the Kubernetes clientset with the node-level operations the
// lifecycle manager needs.
type Client struct {
	clientset kubernetes.Interface
	log       logger.Logger
}

// NewClient builds a client from in-cluster config, falling back to the
// kubeconfig path (or $HOME/.kube/config when empty).
func NewClient(kubeconfigPath string, log logger.Logger) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = filepath.Join(os.Getenv("HOME"), ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	return &Client{clientset: clientset, log: log}, nil
}

// NewClientWithInterface wires a client to a clientset directly. For tests
// with the client-go fake.
func NewClientWithInterface(clientset kubernetes.Interface, log logger.Logger) *Client {
	return &Client{clientset: clientset, log: log}
}

// GetNode returns a node, or (nil, nil) when it does not exist.
func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	node, err := c.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	return node, nil
}

// ListNodes returns all node objects.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return list.Items, nil
}

// NodeReady reports whether the node exists and has a true Ready condition.
func (c *Client) NodeReady(ctx context.Context, name string) (bool, error) {
	node, err := c.GetNode(ctx, name)
	if err != nil || node == nil {
		return false, err
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue, nil
		}
	}
	return false, nil
}

// SetUnschedulable cordons (true) or uncordons (false) a node. A missing
// node is not an error for cordon: it never joined or already left.
func (c *Client) SetUnschedulable(ctx context.Context, name string, unschedulable bool) error {
	patch, err := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{"unschedulable": unschedulable},
	})
	if err != nil {
		return err
	}

	_, err = c.clientset.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		c.log.Infof("node %s not found while patching schedulability, treating as gone", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("patch node %s unschedulable=%v: %w", name, unschedulable, err)
	}
	return nil
}

// DeleteNode removes the node object, tolerating not-found.
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Nodes().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete node %s: %w", name, err)
	}
	c.log.Infof("deleted node object %s", name)
	return nil
}

// PodsOnNode lists pods scheduled on the given node, all namespaces.
func (c *Client) PodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods on node %s: %w", nodeName, err)
	}
	return list.Items, nil
}

// EvictionOutcome classifies a single pod eviction attempt.
type EvictionOutcome int

const (
	Evicted EvictionOutcome = iota
	AlreadyGone
	BlockedByBudget
)

// EvictPod requests an eviction with the given grace period. "Already
// gone" and "disruption budget blocks eviction" are reported as outcomes,
// not errors.
func (c *Client) EvictPod(ctx context.Context, pod corev1.Pod, graceSeconds int64) (EvictionOutcome, error) {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: &graceSeconds},
	}

	err := c.clientset.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)
	switch {
	case err == nil:
		return Evicted, nil
	case apierrors.IsNotFound(err):
		return AlreadyGone, nil
	case apierrors.IsTooManyRequests(err):
		c.log.Warnf("eviction of %s/%s blocked by disruption budget", pod.Namespace, pod.Name)
		return BlockedByBudget, nil
	default:
		return Evicted, fmt.Errorf("evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
}

// StatefulSetHasReadyReplicaElsewhere reports whether the stateful set
// owning the given pod has at least one other ready replica running on a
// different node.
func (c *Client) StatefulSetHasReadyReplicaElsewhere(ctx context.Context, pod corev1.Pod, nodeName string) (bool, error) {
	owner := ownerOfKind(pod, "StatefulSet")
	if owner == nil {
		return true, nil
	}

	sts, err := c.clientset.AppsV1().StatefulSets(pod.Namespace).Get(ctx, owner.Name, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("get statefulset %s/%s: %w", pod.Namespace, owner.Name, err)
	}

	selector, err := metav1.LabelSelectorAsSelector(sts.Spec.Selector)
	if err != nil {
		return false, fmt.Errorf("statefulset %s selector: %w", owner.Name, err)
	}

	replicas, err := c.clientset.CoreV1().Pods(pod.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return false, fmt.Errorf("list statefulset replicas: %w", err)
	}

	for _, replica := range replicas.Items {
		if replica.Name == pod.Name || replica.Spec.NodeName == nodeName {
			continue
		}
		if podReady(replica) {
			return true, nil
		}
	}
	return false, nil
}

func podReady(pod corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func ownerOfKind(pod corev1.Pod, kind string) *metav1.OwnerReference {
	for i, owner := range pod.OwnerReferences {
		if owner.Kind == kind {
			return &pod.OwnerReferences[i]
		}
	}
	return nil
}
