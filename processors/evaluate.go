package processors

import (
	"fmt"
	"math"
	"sort"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// Evaluate runs stage 6: every active frame whose phase is scored by the
// profile gets a frame score from the rule catalog. Rules whose angles are
// missing on a frame are skipped, not zeroed; a frame where no rule applied
// produces no score record.
func Evaluate(cfg config.Config, profile *profiles.Profile, cond *Conditioned, seg *Segmentation, phases *PhaseResult) []core.FrameScore {
	scored := make(map[core.Phase]bool, len(profile.ScoredPhases))
	for _, p := range profile.ScoredPhases {
		scored[core.Phase(p)] = true
	}

	var out []core.FrameScore
	for i, frameIdx := range seg.Selected {
		phase := phases.Labels[i]
		if !scored[phase] {
			continue
		}
		if fs, ok := scoreFrame(cfg, profile, cond.Angles, frameIdx, phase); ok {
			out = append(out, fs)
		}
	}
	return out
}

type faultEntry struct {
	message  string
	severity float64 // w * (1 - c)
}

func scoreFrame(cfg config.Config, profile *profiles.Profile, angles core.AngleSeries, frameIdx int, phase core.Phase) (core.FrameScore, bool) {
	var weightSum, weighted float64
	details := make(map[string]core.RuleDetail)
	var faults []faultEntry

	for _, rule := range profile.Rules {
		if !rule.AppliesTo(phase) {
			continue
		}
		theta, ok := measureRule(rule, angles, frameIdx)
		if !ok {
			continue
		}

		status, delta := classify(theta, rule.LowDeg, rule.HighDeg, cfg.SoftDeg)
		c := core.Clamp(1-delta/cfg.HardDeg, 0, 1)
		weightSum += rule.Weight
		weighted += rule.Weight * c

		detail := core.RuleDetail{
			Status: status,
			Value:  fmt.Sprintf("%.1f deg", theta),
		}
		switch status {
		case core.StatusWarning:
			detail.Feedback = rule.Warn
		case core.StatusError:
			detail.Feedback = rule.Fault
		}
		details[rule.Name] = detail

		if status != core.StatusOK {
			faults = append(faults, faultEntry{message: detail.Feedback, severity: rule.Weight * (1 - c)})
		}
	}

	if weightSum == 0 {
		return core.FrameScore{}, false
	}

	sort.SliceStable(faults, func(i, j int) bool { return faults[i].severity > faults[j].severity })
	errors := make([]string, 0, len(faults))
	seen := make(map[string]bool, len(faults))
	for _, f := range faults {
		if seen[f.message] {
			continue
		}
		seen[f.message] = true
		errors = append(errors, f.message)
	}

	return core.FrameScore{
		FrameIdx: frameIdx,
		Phase:    phase,
		Score:    weighted / weightSum,
		Errors:   errors,
		Details:  details,
	}, true
}

// measureRule evaluates the rule's angle on one frame. An angle rule averages
// its available series; a symmetry rule is the absolute difference of its two
// series and needs both.
func measureRule(rule profiles.Rule, angles core.AngleSeries, frameIdx int) (float64, bool) {
	read := func(name string) (float64, bool) {
		series := angles[name]
		if frameIdx >= len(series) || core.IsMissingAngle(series[frameIdx]) {
			return 0, false
		}
		return series[frameIdx], true
	}

	switch rule.Kind {
	case profiles.RuleSymmetry:
		a, okA := read(rule.Series[0])
		b, okB := read(rule.Series[1])
		if !okA || !okB {
			return 0, false
		}
		return math.Abs(a - b), true
	default:
		sum, cnt := 0.0, 0
		for _, name := range rule.Series {
			if v, ok := read(name); ok {
				sum += v
				cnt++
			}
		}
		if cnt == 0 {
			return 0, false
		}
		return sum / float64(cnt), true
	}
}

func classify(theta, lo, hi, softDeg float64) (core.RuleStatus, float64) {
	if theta >= lo && theta <= hi {
		return core.StatusOK, 0
	}
	delta := math.Min(math.Abs(theta-lo), math.Abs(theta-hi))
	if delta <= softDeg {
		return core.StatusWarning, delta
	}
	return core.StatusError, delta
}

// Aggregate computes the mean score over all scored frames and per phase.
func Aggregate(scores []core.FrameScore) (float64, map[string]float64) {
	if len(scores) == 0 {
		return 0, map[string]float64{}
	}
	var total float64
	phaseSum := make(map[string]float64)
	phaseCnt := make(map[string]int)
	for _, fs := range scores {
		total += fs.Score
		phaseSum[string(fs.Phase)] += fs.Score
		phaseCnt[string(fs.Phase)]++
	}
	perPhase := make(map[string]float64, len(phaseSum))
	for p, s := range phaseSum {
		perPhase[p] = s / float64(phaseCnt[p])
	}
	return total / float64(len(scores)), perPhase
}

// GradeFor maps the combined score to a letter grade. DTW contributes 30%
// when active.
func GradeFor(avgScore float64, dtw *core.DTWResult) string {
	combined := avgScore
	if dtw != nil {
		combined = avgScore*0.7 + dtw.OverallScore*0.3
	}
	switch {
	case combined >= 0.9:
		return "S"
	case combined >= 0.7:
		return "A"
	case combined >= 0.5:
		return "B"
	default:
		return "C"
	}
}

// ErrorFrames filters the scored frames down to those carrying faults.
func ErrorFrames(scores []core.FrameScore) []core.FrameScore {
	var out []core.FrameScore
	for _, fs := range scores {
		if len(fs.Errors) > 0 {
			out = append(out, fs)
		}
	}
	return out
}
