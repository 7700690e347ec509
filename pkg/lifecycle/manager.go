// Node lifecycle management: provisioning, safe removal, and spot
// interruption handling.
package lifecycle

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/nodefleet/fleet-autoscaler/pkg/cloud"
	"github.com/nodefleet/fleet-autoscaler/pkg/kube"
	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

var (
	// ErrDrainAborted means the stateful-set safety gate refused the drain.
	ErrDrainAborted = errors.New("drain aborted: stateful workload has no ready replica elsewhere")
	// ErrDrainTimeout means workloads did not clear the node in time.
	ErrDrainTimeout = errors.New("drain timed out waiting for workloads to leave the node")
)

// CloudProvider is the compute-side surface the manager uses. Satisfied by
// cloud.Client.
type CloudProvider interface {
	LaunchFromTemplate(ctx context.Context, templateID, subnetID string, lifecycle cloud.Lifecycle, extraTags map[string]string) (string, error)
	WorkerInstances(ctx context.Context) ([]cloud.Instance, error)
	DescribeInstance(ctx context.Context, id string) (*cloud.Instance, error)
	Terminate(ctx context.Context, ids ...string) error
	Tag(ctx context.Context, ids []string, tags map[string]string) error
	SpotPrices(ctx context.Context, instanceType string, zones []string) (map[string]float64, error)
}

// Orchestrator is the cluster-side surface the manager uses. Satisfied by
// kube.Client.
type Orchestrator interface {
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	NodeReady(ctx context.Context, name string) (bool, error)
	SetUnschedulable(ctx context.Context, name string, unschedulable bool) error
	DeleteNode(ctx context.Context, name string) error
	PodsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error)
	EvictPod(ctx context.Context, pod corev1.Pod, graceSeconds int64) (kube.EvictionOutcome, error)
	StatefulSetHasReadyReplicaElsewhere(ctx context.Context, pod corev1.Pod, nodeName string) (bool, error)
	NodePodCensus(ctx context.Context) (map[string]kube.PodCensus, error)
}

// Options configure the manager.
type Options struct {
	WorkerTemplateID string
	SpotTemplateID   string
	SubnetIDs        []string
	SpotTargetPct    int

	// Optional spot-price placement hints. When both are set, subnet ties
	// during spot placement break toward the cheapest availability zone.
	SpotInstanceType string
	SubnetZones      map[string]string

	NodeReadyTimeout         time.Duration
	DrainTimeout             time.Duration
	InterruptionDrainTimeout time.Duration
	PollInterval             time.Duration
	EvictionGraceSeconds     int64
}

// Manager executes scale-up and scale-down against the cloud provider and
// the orchestration API.
type Manager struct {
	cloud CloudProvider
	orch  Orchestrator
	opts  Options
	now   func() time.Time
	log   logger.Logger
}

func NewManager(cloudProvider CloudProvider, orch Orchestrator, opts Options, log logger.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.NodeReadyTimeout <= 0 {
		opts.NodeReadyTimeout = 5 * time.Minute
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Minute
	}
	if opts.InterruptionDrainTimeout <= 0 {
		opts.InterruptionDrainTimeout = 2 * time.Minute
	}
	if opts.EvictionGraceSeconds <= 0 {
		opts.EvictionGraceSeconds = 30
	}
	return &Manager{
		cloud: cloudProvider,
		orch:  orch,
		opts:  opts,
		now:   time.Now,
		log:   log,
	}
}

// ScaleUpResult reports a completed scale-up.
type ScaleUpResult struct {
	LaunchedIDs   []string
	SpotCount     int
	OnDemandCount int
	ReadyNodes    []string
	JoinLatency   time.Duration
}

// ScaleDownResult reports a completed scale-down.
type ScaleDownResult struct {
	TerminatedIDs []string
}
