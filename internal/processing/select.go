package processing

import (
	"math"

	"tag-vision-go/internal/pose"
	"tag-vision-go/internal/types"
)

type Verdict int

const (
	Accepted Verdict = iota
	RejectedNoPose
	RejectedBounds
	RejectedMargin
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedNoPose:
		return "no_pose"
	case RejectedBounds:
		return "bounds"
	case RejectedMargin:
		return "margin"
	default:
		return "unknown"
	}
}

// Evaluated is one candidate after filtering. Translation and Distance are
// only set for accepted candidates.
type Evaluated struct {
	Candidate   types.Candidate
	Verdict     Verdict
	Translation [3]float64
	Distance    float64
}

// Evaluation explains how a frame's message was chosen.
type Evaluation struct {
	Candidates []Evaluated
	// Best indexes the winner in Candidates when Selected is set.
	Best     int
	Selected *types.SelectedTarget
}

func (e Evaluation) Count(v Verdict) int {
	n := 0
	for _, c := range e.Candidates {
		if c.Verdict == v {
			n++
		}
	}
	return n
}

// Select reduces one frame's candidates to its message. Candidates without
// a pose are estimated with tp. A candidate is dropped when its pose cannot
// be recovered or is not finite, when its bounding box has no area, or when
// its decision margin is below minMargin. Of the rest the one nearest in the ground plane wins; equal
// distances go to the lowest marker id, then to the first seen.
func Select(cands []types.Candidate, tp pose.TagParams, minMargin float64) (types.VisionMessage, Evaluation) {
	eval := Evaluation{Candidates: make([]Evaluated, 0, len(cands))}
	best := -1
	for _, cand := range cands {
		ev := Evaluated{Candidate: cand}
		if ev.Candidate.Pose == nil {
			if p, err := pose.Estimate(cand.Corners, tp); err == nil {
				ev.Candidate.Pose = &p
			}
		}

		minX, minY, maxX, maxY := cand.Bounds()
		switch {
		case !usable(ev.Candidate.Pose):
			ev.Verdict = RejectedNoPose
		case maxX <= minX || maxY <= minY:
			ev.Verdict = RejectedBounds
		case cand.DecisionMargin < minMargin:
			ev.Verdict = RejectedMargin
		default:
			t := ev.Candidate.Pose.Translation
			// camera (x right, y down, z forward) -> (forward, lateral, vertical)
			ev.Translation = [3]float64{t[2], t[0], t[1]}
			ev.Distance = math.Hypot(ev.Translation[0], ev.Translation[1])
		}
		eval.Candidates = append(eval.Candidates, ev)

		if ev.Verdict != Accepted {
			continue
		}
		if best < 0 {
			best = len(eval.Candidates) - 1
			continue
		}
		cur := eval.Candidates[best]
		if ev.Distance < cur.Distance || (ev.Distance == cur.Distance && cand.ID < cur.Candidate.ID) {
			best = len(eval.Candidates) - 1
		}
	}

	if best < 0 {
		return types.NoTargets{}, eval
	}
	win := eval.Candidates[best]
	eval.Best = best
	eval.Selected = &types.SelectedTarget{
		ID:          win.Candidate.ID,
		Translation: win.Translation,
		Rotation:    win.Candidate.Pose.Rotation[8],
		Distance:    win.Distance,
	}
	return eval.Selected.Message(), eval
}

// usable reports whether p exists and every component Select reads from it
// is finite.
func usable(p *types.Pose) bool {
	if p == nil {
		return false
	}
	for _, v := range append(p.Translation[:], p.Rotation[8]) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
