package engine

import (
	"sort"

	"github.com/auterity/engine-go/internal/models"
	"github.com/auterity/engine-go/internal/workflow"
)

// SkipReason explains why a step was skipped without running.
type SkipReason string

const (
	SkipUpstreamFailed    SkipReason = "upstream-failed"
	SkipUpstreamCancelled SkipReason = "upstream-cancelled"
)

// Skip is a step the scheduler ruled out because a predecessor ended badly.
type Skip struct {
	StepID string
	Reason SkipReason
}

// Scheduler tracks per-execution DAG progress. It is owned by the execution's
// engine loop: single writer, no internal locking. Other components observe
// progress through the store.
type Scheduler struct {
	graph       *workflow.Graph
	reachable   map[string]bool
	completed   map[string]models.StepStatus
	running     map[string]bool
	outputs     map[string]models.JSONMap
	skipReasons map[string]SkipReason
}

// NewScheduler seeds a scheduler with a validated graph.
func NewScheduler(g *workflow.Graph) *Scheduler {
	return &Scheduler{
		graph:       g,
		reachable:   g.Reachable([]string{g.StartID}),
		completed:   make(map[string]models.StepStatus),
		running:     make(map[string]bool),
		outputs:     make(map[string]models.JSONMap),
		skipReasons: make(map[string]SkipReason),
	}
}

// TakeSkips transitions every pending step with a FAILED or CANCELLED
// predecessor to SKIPPED, cascading through descendants, and returns the
// newly skipped steps in deterministic order.
func (s *Scheduler) TakeSkips() []Skip {
	var skips []Skip
	for {
		progressed := false
		for _, id := range s.sortedPending() {
			reason, skip := s.skipReason(id)
			if !skip {
				continue
			}
			s.completed[id] = models.StepStatusSkipped
			s.skipReasons[id] = reason
			skips = append(skips, Skip{StepID: id, Reason: reason})
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return skips
}

func (s *Scheduler) skipReason(id string) (SkipReason, bool) {
	for _, pred := range s.graph.Predecessors[id] {
		switch s.completed[pred] {
		case models.StepStatusFailed:
			return SkipUpstreamFailed, true
		case models.StepStatusCancelled:
			return SkipUpstreamCancelled, true
		case models.StepStatusSkipped:
			// A skipped predecessor propagates its own upstream cause.
			return s.skipReasons[pred], true
		}
	}
	return "", false
}

// Ready returns up to limit dispatchable steps: not completed, not running,
// every predecessor COMPLETED. Ties are broken lexicographically by step id
// so dispatch order is deterministic for equal readiness.
func (s *Scheduler) Ready(limit int) []string {
	var ready []string
	for _, id := range s.sortedPending() {
		if limit >= 0 && len(ready) >= limit {
			break
		}
		ok := true
		for _, pred := range s.graph.Predecessors[id] {
			if s.completed[pred] != models.StepStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func (s *Scheduler) sortedPending() []string {
	var pending []string
	for id := range s.reachable {
		if _, done := s.completed[id]; done {
			continue
		}
		if s.running[id] {
			continue
		}
		pending = append(pending, id)
	}
	sort.Strings(pending)
	return pending
}

// MarkRunning moves a step into the running set.
func (s *Scheduler) MarkRunning(id string) {
	s.running[id] = true
}

// Complete records a terminal status and captures outputs for downstream
// input resolution.
func (s *Scheduler) Complete(id string, status models.StepStatus, outputs models.JSONMap) {
	delete(s.running, id)
	s.completed[id] = status
	if outputs != nil {
		s.outputs[id] = outputs
	}
}

// Outputs returns the recorded outputs of a completed step.
func (s *Scheduler) Outputs(id string) models.JSONMap {
	return s.outputs[id]
}

// StatusOf returns the recorded terminal status for a step, if any.
func (s *Scheduler) StatusOf(id string) (models.StepStatus, bool) {
	st, ok := s.completed[id]
	return st, ok
}

// RunningCount reports how many steps are currently dispatched.
func (s *Scheduler) RunningCount() int {
	return len(s.running)
}

// RunningIDs returns the dispatched step ids, sorted.
func (s *Scheduler) RunningIDs() []string {
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Done reports whether every reachable step holds a terminal status.
func (s *Scheduler) Done() bool {
	for id := range s.reachable {
		if _, ok := s.completed[id]; !ok {
			return false
		}
	}
	return true
}

// Stuck reports the defensive condition the validator should have prevented:
// nothing ready, nothing running, but not done.
func (s *Scheduler) Stuck() bool {
	return !s.Done() && len(s.running) == 0 && len(s.Ready(-1)) == 0
}

// AnyFailed reports whether some step ended FAILED.
func (s *Scheduler) AnyFailed() bool {
	for _, st := range s.completed {
		if st == models.StepStatusFailed {
			return true
		}
	}
	return false
}

// GatherOutputs merges outputs of all completed output steps in step-id
// order, last writer wins per key. Collisions are reported for warning logs.
func (s *Scheduler) GatherOutputs() (models.JSONMap, []string) {
	var outputSteps []string
	for _, n := range s.graph.Definition.Nodes {
		if n.Type == models.StepTypeOutput && s.completed[n.ID] == models.StepStatusCompleted {
			outputSteps = append(outputSteps, n.ID)
		}
	}
	sort.Strings(outputSteps)

	merged := models.JSONMap{}
	var collisions []string
	for _, id := range outputSteps {
		for k, v := range s.outputs[id] {
			if _, exists := merged[k]; exists {
				collisions = append(collisions, k)
			}
			merged[k] = v
		}
	}
	return merged, collisions
}

// ResolveInputs computes a step's resolved inputs: explicit bindings when
// declared, otherwise the union of predecessor outputs in lexicographic
// predecessor order (last writer wins).
func (s *Scheduler) ResolveInputs(step *models.Step, executionInputs models.JSONMap) (models.JSONMap, error) {
	if len(step.InputBindings) > 0 {
		resolved := make(models.JSONMap, len(step.InputBindings))
		for name, b := range step.InputBindings {
			switch b.Source {
			case models.BindingLiteral:
				resolved[name] = b.Literal
			case models.BindingWorkflowInput:
				value, ok := executionInputs[b.InputName]
				if !ok {
					return nil, models.NewErrorf(models.KindBindingUnresolved,
						"workflow input %q is absent", b.InputName).WithStep(step.ID)
				}
				resolved[name] = value
			case models.BindingStepOutput:
				outputs, ok := s.outputs[b.StepID]
				if !ok {
					return nil, models.NewErrorf(models.KindBindingUnresolved,
						"no outputs recorded for predecessor %q", b.StepID).WithStep(step.ID)
				}
				value, ok := outputs[b.OutputName]
				if !ok {
					return nil, models.NewErrorf(models.KindBindingUnresolved,
						"predecessor %q produced no output %q", b.StepID, b.OutputName).WithStep(step.ID)
				}
				resolved[name] = value
			default:
				return nil, models.NewErrorf(models.KindBindingUnresolved,
					"binding %q has unknown source", name).WithStep(step.ID)
			}
		}
		return resolved, nil
	}

	merged := models.JSONMap{}
	for _, pred := range s.graph.Predecessors[step.ID] {
		for k, v := range s.outputs[pred] {
			merged[k] = v
		}
	}
	return merged, nil
}
