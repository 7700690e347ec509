// Reactive scaling decision engine.
//
// Thresholds must be breached across a window of consecutive readings
// before they count, so a single noisy sample cannot trigger or suppress a
// scaling action.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
	"github.com/nodefleet/fleet-autoscaler/pkg/metrics"
	"github.com/nodefleet/fleet-autoscaler/pkg/state"
)

// Scaling thresholds (percent).
const (
	CPUScaleUpThreshold      = 70.0
	CPUScaleDownThreshold    = 30.0
	MemoryScaleUpThreshold   = 75.0
	MemoryScaleDownThreshold = 50.0

	// Aggressive scale-up sizing: add two nodes past these.
	CPUSurgeThreshold     = 85.0
	PendingSurgeThreshold = 5
)

// Cooldowns are asymmetric: responsiveness to load is favored over cost.
const (
	ScaleUpCooldown   = 300 * time.Second
	ScaleDownCooldown = 600 * time.Second
)

// Sustained-condition window lengths (consecutive readings, current
// included).
const (
	ScaleUpWindow   = 3
	ScaleDownWindow = 10
)

// Kind tags a scaling action.
type Kind string

const (
	None      Kind = "none"
	ScaleUp   Kind = "scale_up"
	ScaleDown Kind = "scale_down"
)

// Action is the decision produced by one evaluation.
type Action struct {
	Kind   Kind
	Delta  int // node count change, >= 1 for ScaleUp/ScaleDown
	Reason string
}

func noAction(reason string) Action {
	return Action{Kind: None, Reason: reason}
}

// Params is the cluster context an evaluation runs against.
type Params struct {
	MinNodes      int
	MaxNodes      int
	CurrentNodes  int
	LastScaleTime int64
}

// Engine evaluates metrics into scaling actions.
type Engine struct {
	now func() time.Time
	log logger.Logger
}

func NewEngine(log logger.Logger) *Engine {
	return &Engine{now: time.Now, log: log}
}

// NewEngineWithClock injects a time source. For tests.
func NewEngineWithClock(now func() time.Time, log logger.Logger) *Engine {
	return &Engine{now: now, log: log}
}

// Evaluate turns the current reading, the rolling history (oldest first,
// current reading NOT included) and an optional custom signal into an
// action.
//
// Order of evaluation: the minimum-node floor is a correctness rule and
// bypasses cooldown; below max, scale-up triggers are checked; at or above
// max, scale-up is skipped entirely and scale-down is still considered.
func (e *Engine) Evaluate(current state.MetricSnapshot, history []state.MetricSnapshot, signal *metrics.Signal, p Params) Action {
	if p.CurrentNodes < p.MinNodes {
		return Action{
			Kind:   ScaleUp,
			Delta:  p.MinNodes - p.CurrentNodes,
			Reason: fmt.Sprintf("enforcing minimum node count (%d < %d)", p.CurrentNodes, p.MinNodes),
		}
	}

	sinceLastScale := e.now().Unix() - p.LastScaleTime

	if p.CurrentNodes < p.MaxNodes {
		if action, decided := e.evaluateScaleUp(current, history, signal, p, sinceLastScale); decided {
			return action
		}
	}

	if action, decided := e.evaluateScaleDown(current, history, p, sinceLastScale); decided {
		return action
	}

	return noAction(fmt.Sprintf("stable (cpu %.1f%%, memory %.1f%%)", current.CPUUsage, current.MemoryUsage))
}

func (e *Engine) evaluateScaleUp(current state.MetricSnapshot, history []state.MetricSnapshot, signal *metrics.Signal, p Params, sinceLastScale int64) (Action, bool) {
	var reasons []string

	if sustainedAbove(current, history, ScaleUpWindow, func(s state.MetricSnapshot) bool {
		return s.CPUUsage > CPUScaleUpThreshold
	}) {
		reasons = append(reasons, fmt.Sprintf("cpu > %.0f%% (%.1f%%)", CPUScaleUpThreshold, current.CPUUsage))
	}

	if sustainedAbove(current, history, ScaleUpWindow, func(s state.MetricSnapshot) bool {
		return s.MemoryUsage > MemoryScaleUpThreshold
	}) {
		reasons = append(reasons, fmt.Sprintf("memory > %.0f%% (%.1f%%)", MemoryScaleUpThreshold, current.MemoryUsage))
	}

	if sustainedAbove(current, history, ScaleUpWindow, func(s state.MetricSnapshot) bool {
		return s.PendingPods > 0
	}) {
		reasons = append(reasons, fmt.Sprintf("pending pods: %d", current.PendingPods))
	}

	if signal != nil && signal.ScaleNeeded {
		for _, r := range signal.Reasons {
			reasons = append(reasons, "custom: "+r)
		}
	}

	if len(reasons) == 0 {
		return Action{}, false
	}

	if sinceLastScale < int64(ScaleUpCooldown.Seconds()) {
		e.log.Infof("scale-up needed but in cooldown (%ds < %.0fs)", sinceLastScale, ScaleUpCooldown.Seconds())
		return noAction("In cooldown"), true
	}

	delta := 1
	if current.CPUUsage > CPUSurgeThreshold || current.PendingPods > PendingSurgeThreshold {
		delta = 2
	}
	if headroom := p.MaxNodes - p.CurrentNodes; delta > headroom {
		delta = headroom
	}

	return Action{Kind: ScaleUp, Delta: delta, Reason: strings.Join(reasons, ", ")}, true
}

func (e *Engine) evaluateScaleDown(current state.MetricSnapshot, history []state.MetricSnapshot, p Params, sinceLastScale int64) (Action, bool) {
	quiet := sustainedAbove(current, history, ScaleDownWindow, func(s state.MetricSnapshot) bool {
		return s.CPUUsage < CPUScaleDownThreshold &&
			s.MemoryUsage < MemoryScaleDownThreshold &&
			s.PendingPods < 1
	})
	if !quiet {
		return Action{}, false
	}

	if sinceLastScale < int64(ScaleDownCooldown.Seconds()) {
		e.log.Infof("scale-down possible but in cooldown (%ds < %.0fs)", sinceLastScale, ScaleDownCooldown.Seconds())
		return noAction("In cooldown"), true
	}

	if p.CurrentNodes <= p.MinNodes {
		return noAction(fmt.Sprintf("at minimum capacity (%d nodes)", p.MinNodes)), true
	}

	// One node per invocation, always.
	return Action{
		Kind:   ScaleDown,
		Delta:  1,
		Reason: fmt.Sprintf("sustained low utilization (cpu %.1f%%, memory %.1f%%)", current.CPUUsage, current.MemoryUsage),
	}, true
}

// sustainedAbove reports whether cond holds for the current reading and the
// most recent window-1 history entries. Shorter history never qualifies.
func sustainedAbove(current state.MetricSnapshot, history []state.MetricSnapshot, window int, cond func(state.MetricSnapshot) bool) bool {
	if !cond(current) {
		return false
	}
	need := window - 1
	if len(history) < need {
		return false
	}
	for _, s := range history[len(history)-need:] {
		if !cond(s) {
			return false
		}
	}
	return true
}
