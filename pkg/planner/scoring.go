package planner

import (
	"math"
	"sort"
)

// Candidate is a scored contract the planner may act on.
type Candidate struct {
	ContractID   string
	MetricName   string
	Score        float64
	Breakdown    map[string]float64
	Type         string // new_contract | conflict_resolution | partial_update | stale_review
	TreeDepth    int    // -1 when unknown
	ConflictIDs  []string
	Stakeholders []string
}

// ScoreInput carries the raw signals for one candidate.
type ScoreInput struct {
	TreeDepth            int // -1 when unknown
	QueuePriority        int // 0 when not queued
	DaysBlocked          float64
	StakeholderAvailable bool
	HasConflicts         bool
	InProgress           bool
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// treeDepthScore favors metrics closer to the root: depth 0 scores 1.0,
// depth 6 and deeper score 0.0.
func treeDepthScore(depth int) float64 {
	if depth < 0 {
		return 0
	}
	return clamp(1 - float64(depth)/6)
}

// queuePriorityScore favors low priority numbers: 1 scores 1.0, 20 and
// beyond score 0.0. Unqueued (0) scores 0.0.
func queuePriorityScore(priority int) float64 {
	if priority <= 0 {
		return 0
	}
	return clamp(1 - float64(priority-1)/19)
}

// blockerAgeScore grows with age: 14+ days blocked scores 1.0.
func blockerAgeScore(daysBlocked float64) float64 {
	return clamp(daysBlocked / 14)
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ComputePriorityScore combines the weighted components into a 0..1 score
// and returns the per-component breakdown.
func ComputePriorityScore(in ScoreInput) (float64, map[string]float64) {
	breakdown := map[string]float64{
		"tree_depth":        treeDepthScore(in.TreeDepth),
		"queue_priority":    queuePriorityScore(in.QueuePriority),
		"blocker_age":       blockerAgeScore(in.DaysBlocked),
		"stakeholder_avail": boolScore(in.StakeholderAvailable),
		"has_conflicts":     boolScore(in.HasConflicts),
		"in_progress":       boolScore(in.InProgress),
	}

	score := 0.30*breakdown["tree_depth"] +
		0.25*breakdown["queue_priority"] +
		0.15*breakdown["blocker_age"] +
		0.15*breakdown["stakeholder_avail"] +
		0.10*breakdown["has_conflicts"] +
		0.05*breakdown["in_progress"]

	return math.Round(score*10000) / 10000, breakdown
}

// rankCandidates sorts by score descending, stable.
func rankCandidates(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}
