package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// fakeCloud is an in-memory CloudProvider.
type fakeCloud struct {
	fleet      []cloud.Instance
	instances  map[string]cloud.Instance
	launchSeq  int
	subnetUse  map[string]int
	spotFails  bool
	allFail    bool
	terminated []string
	tagged     map[string]map[string]string
	spotPrices map[string]float64
}

func newFakeCloud(fleet ...cloud.Instance) *fakeCloud {
	fc := &fakeCloud{
		fleet:     fleet,
		instances: make(map[string]cloud.Instance),
		subnetUse: make(map[string]int),
		tagged:    make(map[string]map[string]string),
	}
	for _, inst := range fleet {
		fc.instances[inst.ID] = inst
	}
	return fc
}

func (f *fakeCloud) LaunchFromTemplate(ctx context.Context, templateID, subnetID string, lc cloud.Lifecycle, extraTags map[string]string) (string, error) {
	if f.allFail || (f.spotFails && lc == cloud.LifecycleSpot) {
		return "", errors.New("insufficient capacity")
	}
	f.launchSeq++
	id := fmt.Sprintf("i-new%02d", f.launchSeq)
	f.instances[id] = cloud.Instance{ID: id, NodeName: "node-" + id, SubnetID: subnetID, Lifecycle: lc}
	f.subnetUse[subnetID]++
	return id, nil
}

func (f *fakeCloud) WorkerInstances(ctx context.Context) ([]cloud.Instance, error) {
	return f.fleet, nil
}

func (f *fakeCloud) DescribeInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	return &inst, nil
}

func (f *fakeCloud) Terminate(ctx context.Context, ids ...string) error {
	f.terminated = append(f.terminated, ids...)
	return nil
}

func (f *fakeCloud) SpotPrices(ctx context.Context, instanceType string, zones []string) (map[string]float64, error) {
	return f.spotPrices, nil
}

func (f *fakeCloud) Tag(ctx context.Context, ids []string, tags map[string]string) error {
	for _, id := range ids {
		if f.tagged[id] == nil {
			f.tagged[id] = make(map[string]string)
		}
		for k, v := range tags {
			f.tagged[id][k] = v
		}
	}
	return nil
}

// fakeOrch is an in-memory Orchestrator.
type fakeOrch struct {
	missing             map[string]bool
	pods                map[string][]corev1.Pod
	cordoned            map[string]bool
	stsReplicaElsewhere bool
	evictionsStick      bool // true: evicted pods stay on the node
	census              map[string]kube.PodCensus
	deleted             []string
	evicted             []string
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{
		missing:             make(map[string]bool),
		pods:                make(map[string][]corev1.Pod),
		cordoned:            make(map[string]bool),
		stsReplicaElsewhere: true,
		census:              make(map[string]kube.PodCensus),
	}
}

func (f *fakeOrch) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	if f.missing[name] {
		return nil, nil
	}
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}, nil
}

func (f *fakeOrch) NodeReady(ctx context.Context, name string) (bool, error) {
	return !f.missing[name], nil
}

func (f *fakeOrch) SetUnschedulable(ctx context.Context, name string, unschedulable bool) error {
	f.cordoned[name] = unschedulable
	return nil
}

func (f *fakeOrch) DeleteNode(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeOrch) PodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	return f.pods[nodeName], nil
}

func (f *fakeOrch) EvictPod(ctx context.Context, pod corev1.Pod, graceSeconds int64) (kube.EvictionOutcome, error) {
	f.evicted = append(f.evicted, pod.Name)
	if f.evictionsStick {
		return kube.BlockedByBudget, nil
	}
	node := pod.Spec.NodeName
	remaining := f.pods[node][:0]
	for _, p := range f.pods[node] {
		if p.Name != pod.Name {
			remaining = append(remaining, p)
		}
	}
	f.pods[node] = remaining
	return kube.Evicted, nil
}

func (f *fakeOrch) StatefulSetHasReadyReplicaElsewhere(ctx context.Context, pod corev1.Pod, nodeName string) (bool, error) {
	return f.stsReplicaElsewhere, nil
}

func (f *fakeOrch) NodePodCensus(ctx context.Context) (map[string]kube.PodCensus, error) {
	return f.census, nil
}

func plainPod(name, node string) corev1.Pod {
	return corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       corev1.PodSpec{NodeName: node},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func stsPod(name, node string) corev1.Pod {
	pod := plainPod(name, node)
	pod.OwnerReferences = []metav1.OwnerReference{{Kind: "StatefulSet", Name: "db"}}
	return pod
}

func daemonPod(name, node string) corev1.Pod {
	pod := plainPod(name, node)
	pod.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "logging"}}
	return pod
}

func newTestManager(fc *fakeCloud, fo *fakeOrch) *Manager {
	return NewManager(fc, fo, Options{
		WorkerTemplateID: "lt-worker",
		SpotTemplateID:   "lt-spot",
		SubnetIDs:        []string{"subnet-a", "subnet-b", "subnet-c"},
		SpotTargetPct:    70,
		PollInterval:     time.Millisecond,
	}, logger.Nop())
}

func TestScaleUpBalancesMixAndPlacement(t *testing.T) {
	fc := newFakeCloud()
	m := newTestManager(fc, newFakeOrch())

	result, err := m.ScaleUp(context.Background(), 10, "test burst")
	require.NoError(t, err)

	assert.Len(t, result.LaunchedIDs, 10)
	assert.Equal(t, 7, result.SpotCount)
	assert.Equal(t, 3, result.OnDemandCount)
	assert.Len(t, result.ReadyNodes, 10)

	// Greedy placement keeps the subnets within one instance of each other.
	min, max := 10, 0
	for _, subnet := range []string{"subnet-a", "subnet-b", "subnet-c"} {
		n := fc.subnetUse[subnet]
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	assert.LessOrEqual(t, max-min, 1)
}

func TestScaleUpSpotLandsInCheapestZoneOnTie(t *testing.T) {
	// Existing workers live in an unmanaged subnet, so all managed subnets
	// tie at zero and the spot price decides placement.
	fc := newFakeCloud(
		cloud.Instance{ID: "i-1", NodeName: "node-i-1", SubnetID: "subnet-x", Lifecycle: cloud.LifecycleOnDemand},
		cloud.Instance{ID: "i-2", NodeName: "node-i-2", SubnetID: "subnet-x", Lifecycle: cloud.LifecycleOnDemand},
	)
	fc.spotPrices = map[string]float64{"zone-a": 0.050, "zone-b": 0.032, "zone-c": 0.041}

	m := newTestManager(fc, newFakeOrch())
	m.opts.SpotInstanceType = "m5.large"
	m.opts.SubnetZones = map[string]string{
		"subnet-a": "zone-a",
		"subnet-b": "zone-b",
		"subnet-c": "zone-c",
	}

	result, err := m.ScaleUp(context.Background(), 1, "test")
	require.NoError(t, err)

	require.Equal(t, 1, result.SpotCount)
	assert.Equal(t, 1, fc.subnetUse["subnet-b"])
}

func TestScaleUpSpotShortfallDegradesToOnDemand(t *testing.T) {
	fc := newFakeCloud()
	fc.spotFails = true
	m := newTestManager(fc, newFakeOrch())

	result, err := m.ScaleUp(context.Background(), 5, "test")
	require.NoError(t, err)

	assert.Equal(t, 0, result.SpotCount)
	assert.Equal(t, 5, result.OnDemandCount)
	assert.Len(t, result.LaunchedIDs, 5)
}

func TestScaleUpTotalLaunchFailureErrors(t *testing.T) {
	fc := newFakeCloud()
	fc.allFail = true
	m := newTestManager(fc, newFakeOrch())

	_, err := m.ScaleUp(context.Background(), 3, "test")
	assert.Error(t, err)
}

func TestScaleDownPicksSafestVictim(t *testing.T) {
	fleet := []cloud.Instance{
		{ID: "i-a", NodeName: "node-a", Lifecycle: cloud.LifecycleSpot},
		{ID: "i-b", NodeName: "node-b", Lifecycle: cloud.LifecycleSpot},
		{ID: "i-c", NodeName: "node-c", Lifecycle: cloud.LifecycleOnDemand},
	}
	fc := newFakeCloud(fleet...)
	fo := newFakeOrch()
	fo.census = map[string]kube.PodCensus{
		"node-a": {HasCritical: true, WorkloadCount: 3},
		"node-b": {WorkloadCount: 1},
		"node-c": {WorkloadCount: 1},
	}
	m := newTestManager(fc, fo)

	result, err := m.ScaleDown(context.Background(), 1, "low utilization")
	require.NoError(t, err)

	assert.Equal(t, []string{"i-b"}, result.TerminatedIDs)
	assert.Equal(t, []string{"node-b"}, fo.deleted)
}

func TestScaleDownSkipsRefusedDrain(t *testing.T) {
	fleet := []cloud.Instance{
		{ID: "i-a", NodeName: "node-a", Lifecycle: cloud.LifecycleSpot},
		{ID: "i-b", NodeName: "node-b", Lifecycle: cloud.LifecycleSpot},
	}
	fc := newFakeCloud(fleet...)
	fo := newFakeOrch()
	fo.stsReplicaElsewhere = false
	fo.pods["node-a"] = []corev1.Pod{stsPod("db-0", "node-a")}
	fo.pods["node-b"] = []corev1.Pod{stsPod("db-1", "node-b")}
	m := newTestManager(fc, fo)

	result, err := m.ScaleDown(context.Background(), 1, "test")
	require.NoError(t, err)

	// Refused drain skips the node; nothing is terminated.
	assert.Empty(t, result.TerminatedIDs)
	assert.Empty(t, fc.terminated)
}

func TestScaleDownNeverEmptiesFleet(t *testing.T) {
	fleet := []cloud.Instance{
		{ID: "i-a", NodeName: "node-a", Lifecycle: cloud.LifecycleSpot},
		{ID: "i-b", NodeName: "node-b", Lifecycle: cloud.LifecycleSpot},
	}
	fc := newFakeCloud(fleet...)
	m := newTestManager(fc, newFakeOrch())

	result, err := m.ScaleDown(context.Background(), 5, "test")
	require.NoError(t, err)
	assert.Len(t, result.TerminatedIDs, 1)
}

func TestDrainMissingNodeIsNoop(t *testing.T) {
	fo := newFakeOrch()
	fo.missing["node-gone"] = true
	m := newTestManager(newFakeCloud(), fo)

	err := m.DrainNode(context.Background(), "node-gone", time.Second)
	assert.NoError(t, err)
	assert.Empty(t, fo.evicted)
}

func TestDrainEvictsWorkloadsAndSparesInfra(t *testing.T) {
	fo := newFakeOrch()
	fo.pods["node-a"] = []corev1.Pod{
		plainPod("web-1", "node-a"),
		plainPod("web-2", "node-a"),
		daemonPod("logd", "node-a"),
	}
	m := newTestManager(newFakeCloud(), fo)

	err := m.DrainNode(context.Background(), "node-a", time.Second)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"web-1", "web-2"}, fo.evicted)
	assert.True(t, fo.cordoned["node-a"])
}

func TestDrainSafetyGateRestoresSchedulability(t *testing.T) {
	fo := newFakeOrch()
	fo.stsReplicaElsewhere = false
	fo.pods["node-a"] = []corev1.Pod{stsPod("db-0", "node-a")}
	m := newTestManager(newFakeCloud(), fo)

	err := m.DrainNode(context.Background(), "node-a", time.Second)
	assert.ErrorIs(t, err, ErrDrainAborted)

	// The node must come back schedulable and untouched.
	assert.False(t, fo.cordoned["node-a"])
	assert.Empty(t, fo.evicted)
}

func TestDrainTimeoutRestoresSchedulability(t *testing.T) {
	fo := newFakeOrch()
	fo.evictionsStick = true
	fo.pods["node-a"] = []corev1.Pod{plainPod("stuck", "node-a")}
	m := newTestManager(newFakeCloud(), fo)

	err := m.DrainNode(context.Background(), "node-a", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.False(t, fo.cordoned["node-a"])
}

func TestHandleInterruption(t *testing.T) {
	inst := cloud.Instance{ID: "i-spot", NodeName: "node-spot", Lifecycle: cloud.LifecycleSpot}
	fc := newFakeCloud(inst)
	fo := newFakeOrch()
	fo.pods["node-spot"] = []corev1.Pod{plainPod("web-1", "node-spot")}
	m := newTestManager(fc, fo)

	result, err := m.HandleInterruption(context.Background(), "i-spot")
	require.NoError(t, err)

	assert.True(t, result.Drained)
	assert.Equal(t, "node-spot", result.NodeName)
	assert.Equal(t, "true", fc.tagged["i-spot"]["SpotInterruptionHandled"])
	assert.Equal(t, []string{"node-spot"}, fo.deleted)
	assert.Equal(t, []string{"web-1"}, fo.evicted)
}
