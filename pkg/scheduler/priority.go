package scheduler

import (
	"sort"

	"github.com/orchestra/workload-orchestrator/pkg/kanban"
)

// PriorityWeights are the tunable coefficients in the effective-priority
// formula (§4.10): effective = base − age_factor·iters_waiting −
// plan_bonus·has_plan − dep_bonus·dep_depth. Lower is scheduled first.
type PriorityWeights struct {
	AgeFactor float64
	PlanBonus float64
	DepBonus  float64
}

// DefaultPriorityWeights match the teacher's convention of small, additive
// tie-breaking bonuses rather than a re-ranking multiplier.
var DefaultPriorityWeights = PriorityWeights{AgeFactor: 0.5, PlanBonus: 2.0, DepBonus: 1.0}

// Candidate is one ready task scored for this scheduling tick.
type Candidate struct {
	Task              kanban.Task
	ItersWaiting      int
	HasPlan           bool
	DepDepth          int
	EffectivePriority float64
}

func effectivePriority(base float64, itersWaiting int, hasPlan bool, depDepth int, w PriorityWeights) float64 {
	p := base - w.AgeFactor*float64(itersWaiting) - w.DepBonus*float64(depDepth)
	if hasPlan {
		p -= w.PlanBonus
	}
	return p
}

// ScoreCandidates computes effective priority for every task and returns
// them sorted ascending (most eligible first), ties broken by task id.
func ScoreCandidates(tasks []kanban.Task, itersWaiting map[string]int, plans map[string]bool, depths map[string]int, w PriorityWeights) []Candidate {
	out := make([]Candidate, 0, len(tasks))
	for _, t := range tasks {
		c := Candidate{
			Task:         t,
			ItersWaiting: itersWaiting[t.ID],
			HasPlan:      plans[t.ID],
			DepDepth:     depths[t.ID],
		}
		c.EffectivePriority = effectivePriority(float64(t.Priority), c.ItersWaiting, c.HasPlan, c.DepDepth, w)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectivePriority != out[j].EffectivePriority {
			return out[i].EffectivePriority < out[j].EffectivePriority
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out
}

// filesOverlap reports whether two file sets share any path.
func filesOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if set[f] {
			return true
		}
	}
	return false
}
