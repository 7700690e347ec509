// The control loop: one bounded, lock-serialized scaling invocation.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodefleet/fleet-autoscaler/pkg/audit"
	"github.com/nodefleet/fleet-autoscaler/pkg/decision"
	"github.com/nodefleet/fleet-autoscaler/pkg/forecast"
	"github.com/nodefleet/fleet-autoscaler/pkg/lifecycle"
	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
	"github.com/nodefleet/fleet-autoscaler/pkg/metrics"
	"github.com/nodefleet/fleet-autoscaler/pkg/notify"
	"github.com/nodefleet/fleet-autoscaler/pkg/state"
)

// forecastLeadMinutes bounds forecast-driven scaling to the tail of each
// hour, so it fires at most once per hour.
const forecastLeadMinutes = 10

// maxPreemptiveDelta caps how many nodes a forecast alone may add.
const maxPreemptiveDelta = 2

// MetricsSource yields the current cluster metrics.
type MetricsSource interface {
	Collect(ctx context.Context) (metrics.Values, error)
}

// SignalSource yields the custom application-metrics signal.
type SignalSource interface {
	Evaluate(ctx context.Context) metrics.Signal
}

// StateStore is the persistence and locking surface of the loop.
type StateStore interface {
	AcquireLock(ctx context.Context) (bool, error)
	ReleaseLock(ctx context.Context) error
	GetState(ctx context.Context, defaultNodes int) (*state.ClusterState, error)
	UpdateNodeCount(ctx context.Context, nodeCount, defaultNodes int) error
	AppendSnapshot(ctx context.Context, snap state.MetricSnapshot, defaultNodes int) error
	StoreSample(ctx context.Context, sample state.ForecastSample) error
}

// NodeLifecycle executes scaling actions.
type NodeLifecycle interface {
	ScaleUp(ctx context.Context, count int, reason string) (*lifecycle.ScaleUpResult, error)
	ScaleDown(ctx context.Context, count int, reason string) (*lifecycle.ScaleDownResult, error)
	HandleInterruption(ctx context.Context, instanceID string) (*lifecycle.InterruptionResult, error)
}

// Forecaster is the predictive path consulted when the reactive decision
// is None.
type Forecaster interface {
	PredictNextPeriod(ctx context.Context) (*forecast.Prediction, error)
	ShouldPreemptiveScale(pred *forecast.Prediction) (bool, string)
	RecommendNodeCount(pred *forecast.Prediction, currentNodes int) int
	InLeadWindow(leadMinutes int) bool
}

// Event is the invocation payload. A non-empty InterruptedInstanceID
// short-circuits into spot interruption handling.
type Event struct {
	InterruptedInstanceID string
}

// Result is the invocation outcome.
type Result struct {
	StatusCode int
	Body       string
}

// Options configure a controller.
type Options struct {
	ClusterID      string
	MinNodes       int
	MaxNodes       int
	EnableForecast bool
	EnableSignal   bool
}

// Controller wires the collaborators of one control loop.
type Controller struct {
	opts     Options
	source   MetricsSource
	signal   SignalSource
	store    StateStore
	engine   *decision.Engine
	forecast Forecaster
	nodes    NodeLifecycle
	recorder audit.Recorder
	notifier notify.Notifier
	now      func() time.Time
	log      logger.Logger
}

func New(opts Options, source MetricsSource, signal SignalSource, store StateStore,
	engine *decision.Engine, fc Forecaster, nodes NodeLifecycle,
	recorder audit.Recorder, notifier notify.Notifier, log logger.Logger) *Controller {
	return &Controller{
		opts:     opts,
		source:   source,
		signal:   signal,
		store:    store,
		engine:   engine,
		forecast: fc,
		nodes:    nodes,
		recorder: recorder,
		notifier: notifier,
		now:      time.Now,
		log:      log,
	}
}

// Invoke runs one invocation end to end. Failing to acquire the lock is a
// normal outcome (another invocation is scaling); any execution error is
// returned after the lock is released and a best-effort failure
// notification is sent, so the external scheduler's retry policy applies.
func (c *Controller) Invoke(ctx context.Context, event Event) (Result, error) {
	if event.InterruptedInstanceID != "" {
		return c.handleInterruption(ctx, event.InterruptedInstanceID)
	}

	result, err := c.run(ctx)
	if err != nil {
		c.notifier.Send(ctx, notify.FormatError(err))
		return Result{StatusCode: 500, Body: err.Error()}, err
	}
	return result, nil
}

func (c *Controller) run(ctx context.Context) (Result, error) {
	c.log.Infof("autoscaler invoked for cluster %s", c.opts.ClusterID)

	values, err := c.source.Collect(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("collect metrics: %w", err)
	}
	c.log.Infof("metrics: cpu=%.1f%% memory=%.1f%% pending=%d nodes=%d",
		values.CPUUsage(), values.MemoryUsage(), values.PendingPods(), values.NodeCount())

	acquired, err := c.store.AcquireLock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		c.log.Warnf("could not acquire lock, another scaling operation in progress")
		return Result{StatusCode: 200, Body: "Skipped: scaling already in progress"}, nil
	}

	defer func() {
		// Guaranteed release even when the scaling action failed; the
		// staleness window is the backstop for a crash that skips this.
		if err := c.store.ReleaseLock(ctx); err != nil {
			c.log.Errorf("release lock: %v", err)
		}
	}()

	return c.runLocked(ctx, values)
}

func (c *Controller) runLocked(ctx context.Context, values metrics.Values) (Result, error) {
	st, err := c.store.GetState(ctx, c.opts.MinNodes)
	if err != nil {
		return Result{}, fmt.Errorf("read state: %w", err)
	}

	currentNodes := c.reconcileNodeCount(st, values)

	now := c.now()
	snapshot := state.MetricSnapshot{
		Timestamp:   now.Unix(),
		CPUUsage:    values.CPUUsage(),
		MemoryUsage: values.MemoryUsage(),
		PendingPods: values.PendingPods(),
	}

	// Evaluate against the history before this reading joins it.
	history := st.MetricsHistory

	if err := c.store.AppendSnapshot(ctx, snapshot, c.opts.MinNodes); err != nil {
		c.log.Warnf("could not append metrics snapshot: %v", err)
	}
	if c.opts.EnableForecast {
		sample := state.NewForecastSample(now, values.CPUUsage(), values.MemoryUsage(), values.PendingPods(), currentNodes)
		if err := c.store.StoreSample(ctx, sample); err != nil {
			c.log.Warnf("could not store forecast sample: %v", err)
		}
	}

	var signal *metrics.Signal
	if c.opts.EnableSignal && c.signal != nil {
		s := c.signal.Evaluate(ctx)
		signal = &s
	}

	action := c.engine.Evaluate(snapshot, history, signal, decision.Params{
		MinNodes:      c.opts.MinNodes,
		MaxNodes:      c.opts.MaxNodes,
		CurrentNodes:  currentNodes,
		LastScaleTime: st.LastScaleTime,
	})
	c.log.Infof("reactive decision: %s (%s)", action.Kind, action.Reason)

	if action.Kind == decision.None && c.opts.EnableForecast && c.forecast.InLeadWindow(forecastLeadMinutes) {
		action = c.predictiveAction(ctx, currentNodes, action)
	}

	if action.Kind == decision.None {
		return Result{StatusCode: 200, Body: fmt.Sprintf("No scaling needed: %s", action.Reason)}, nil
	}

	return c.execute(ctx, action, currentNodes, snapshot)
}

// reconcileNodeCount trusts the live metric-derived count over the stored
// one. An exact zero reading is treated as bootstrap, which lets the
// minimum-node floor raise the fleet; a metrics outage reporting zero is
// indistinguishable from bootstrap here (known ambiguity).
func (c *Controller) reconcileNodeCount(st *state.ClusterState, values metrics.Values) int {
	live := values.NodeCount()
	if live > 0 {
		if live != st.NodeCount {
			c.log.Warnf("stored node count %d disagrees with live count %d, trusting live", st.NodeCount, live)
		}
		return live
	}
	c.log.Warnf("live node count is 0, treating as bootstrap")
	return 0
}

func (c *Controller) predictiveAction(ctx context.Context, currentNodes int, fallback decision.Action) decision.Action {
	pred, err := c.forecast.PredictNextPeriod(ctx)
	if err != nil {
		c.log.Warnf("forecast failed: %v", err)
		return fallback
	}
	if pred == nil {
		return fallback
	}

	should, reason := c.forecast.ShouldPreemptiveScale(pred)
	if !should {
		c.log.Debugf("no preemptive scaling: %s", reason)
		return fallback
	}

	recommended := c.forecast.RecommendNodeCount(pred, currentNodes)
	delta := recommended - currentNodes
	if delta > maxPreemptiveDelta {
		delta = maxPreemptiveDelta
	}
	if delta <= 0 {
		return fallback
	}
	if currentNodes+delta > c.opts.MaxNodes {
		delta = c.opts.MaxNodes - currentNodes
	}
	if delta <= 0 {
		return fallback
	}

	c.log.Infof("predictive decision: scale up %d (%s)", delta, reason)
	return decision.Action{Kind: decision.ScaleUp, Delta: delta, Reason: "predictive: " + reason}
}

func (c *Controller) execute(ctx context.Context, action decision.Action, currentNodes int, snapshot state.MetricSnapshot) (Result, error) {
	invocationID := uuid.NewString()
	newCount := currentNodes
	var instanceIDs []string

	switch action.Kind {
	case decision.ScaleUp:
		result, err := c.nodes.ScaleUp(ctx, action.Delta, action.Reason)
		if err != nil {
			return Result{}, fmt.Errorf("execute scale-up: %w", err)
		}
		newCount = currentNodes + len(result.LaunchedIDs)
		instanceIDs = result.LaunchedIDs

	case decision.ScaleDown:
		result, err := c.nodes.ScaleDown(ctx, action.Delta, action.Reason)
		if err != nil {
			return Result{}, fmt.Errorf("execute scale-down: %w", err)
		}
		newCount = currentNodes - len(result.TerminatedIDs)
		instanceIDs = result.TerminatedIDs
	}

	if err := c.store.UpdateNodeCount(ctx, newCount, c.opts.MinNodes); err != nil {
		return Result{}, fmt.Errorf("persist node count: %w", err)
	}

	if err := c.recorder.Record(ctx, audit.Event{
		Timestamp:    c.now().UTC().Format(time.RFC3339),
		ClusterID:    c.opts.ClusterID,
		InvocationID: invocationID,
		Action:       string(action.Kind),
		Reason:       action.Reason,
		OldNodeCount: currentNodes,
		NewNodeCount: newCount,
	}); err != nil {
		c.log.Warnf("audit record failed: %v", err)
	}

	c.notifier.Send(ctx, notify.FormatScaleEvent(
		string(action.Kind), action.Reason, action.Delta, newCount,
		snapshot.CPUUsage, snapshot.MemoryUsage, snapshot.PendingPods, instanceIDs))

	return Result{
		StatusCode: 200,
		Body:       fmt.Sprintf("Scaling completed: %s (%d -> %d nodes)", action.Kind, currentNodes, newCount),
	}, nil
}

// handleInterruption is the time-critical path for a spot interruption
// notice. It bypasses the periodic decision flow entirely.
func (c *Controller) handleInterruption(ctx context.Context, instanceID string) (Result, error) {
	result, err := c.nodes.HandleInterruption(ctx, instanceID)
	if err != nil {
		c.notifier.Send(ctx, notify.FormatError(err))
		return Result{StatusCode: 500, Body: err.Error()}, err
	}

	c.notifier.Send(ctx, fmt.Sprintf(":warning: *Spot Interruption Handled*\n*Instance:* %s\n*Node:* %s",
		result.InstanceID, result.NodeName))
	return Result{
		StatusCode: 200,
		Body:       fmt.Sprintf("Interruption handled: instance %s drained", instanceID),
	}, nil
}
