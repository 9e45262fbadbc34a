package processors

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// PhaseResult is stage 5 output: one label per active frame (aligned with the
// segmenter's selected indices) and the completed repetition count.
type PhaseResult struct {
	Labels []core.Phase
	Count  int
}

type extremum struct {
	pos   int
	isMin bool
	val   float64
}

// TrackPhases derives the normalized driver over the active frames, validates
// its extrema, and walks the rep state machine. A repetition is counted on
// every ascending -> top transition; the labels are built so that count and
// transitions agree by construction.
func TrackPhases(cfg config.Config, profile *profiles.Profile, cond *Conditioned, seg *Segmentation) *PhaseResult {
	driver := DriverSignal(profile, cond.Angles, len(cond.Frames))

	active := make([]float64, len(seg.Selected))
	for i, idx := range seg.Selected {
		active[i] = driver[idx]
	}

	d := normalizeDriver(active, profile.InvertDriver)
	minSep := int(math.Round(cfg.TMinRep * float64(cfg.ExtractFPS)))
	if minSep < 1 {
		minSep = 1
	}
	extrema := findExtrema(d, cfg.DTop, cfg.DBot, minSep)

	res := walkStateMachine(d, extrema, cfg.DTop, cfg.DBot)
	log.Debugf("phase: %d active frames, %d validated extrema, %d reps", len(d), len(extrema), res.Count)
	return res
}

// driverSwingFrac sets the reversal threshold for cycle detection as a
// fraction of the driver's robust span. Swings smaller than this are wobble,
// not reps.
const driverSwingFrac = 0.25

// Quantile bounds used for driver scaling. A few outlier samples cannot
// stretch the scale of a cycle.
const (
	driverQuantLo = 0.05
	driverQuantHi = 0.95
)

// normalizeDriver maps the driver angle onto [0,1] with 1 = top of rep.
// Scaling is per cycle: the signal is cut at its committed maxima and every
// cycle is scaled by its own robust bounds, so an angle offset confined to
// one rep rescales that rep alone instead of dragging every other rep's
// extrema out of the threshold bands. Inversion is the exercise profile's
// business: a pull-up's flexed elbow means body up, so its driver inverts.
func normalizeDriver(raw []float64, invert bool) []float64 {
	out := make([]float64, len(raw))
	valid := make([]float64, 0, len(raw))
	for i, v := range raw {
		out[i] = core.MissingAngle()
		if !core.IsMissingAngle(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return out
	}
	sort.Float64s(valid)
	glo := quantileSorted(valid, driverQuantLo)
	ghi := quantileSorted(valid, driverQuantHi)
	if ghi-glo <= 1e-9 {
		return out
	}
	minSwing := driverSwingFrac * (ghi - glo)

	for _, span := range driverCycles(raw, minSwing) {
		vals := make([]float64, 0, span.end-span.start)
		for i := span.start; i < span.end; i++ {
			if !core.IsMissingAngle(raw[i]) {
				vals = append(vals, raw[i])
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		lo := quantileSorted(vals, driverQuantLo)
		hi := quantileSorted(vals, driverQuantHi)
		// A cycle too short or too flat to carry a rep borrows the global
		// bounds instead of amplifying its own residue.
		if hi-lo < minSwing {
			lo, hi = glo, ghi
		}
		for i := span.start; i < span.end; i++ {
			v := raw[i]
			if core.IsMissingAngle(v) {
				continue
			}
			d := (v - lo) / (hi - lo)
			if d < 0 {
				d = 0
			} else if d > 1 {
				d = 1
			}
			if invert {
				d = 1 - d
			}
			out[i] = d
		}
	}
	return out
}

// quantileSorted reads the q-quantile from an ascending-sorted slice.
func quantileSorted(sorted []float64, q float64) float64 {
	idx := int(math.Round(q * float64(len(sorted)-1)))
	return sorted[idx]
}

type cycleSpan struct {
	start int // inclusive
	end   int // exclusive
}

// driverCycles cuts the signal at its committed maxima: a running maximum
// commits once the signal has fallen minSwing below it, so sub-threshold
// wobble never opens a new cycle. Cuts land where reps begin, which keeps a
// per-rep offset inside a single cycle.
func driverCycles(raw []float64, minSwing float64) []cycleSpan {
	cuts := []int{0}
	runMin, runMax := math.Inf(1), math.Inf(-1)
	maxPos := -1
	dir := 0
	for i, v := range raw {
		if core.IsMissingAngle(v) {
			continue
		}
		if v > runMax {
			runMax, maxPos = v, i
		}
		if v < runMin {
			runMin = v
		}
		switch {
		case dir >= 0 && runMax-v >= minSwing:
			if maxPos > 0 {
				cuts = append(cuts, maxPos)
			}
			dir = -1
			runMin = v
			runMax, maxPos = v, i
		case dir <= 0 && v-runMin >= minSwing:
			dir = 1
			runMax, maxPos = v, i
			runMin = v
		}
	}

	spans := make([]cycleSpan, 0, len(cuts))
	for i, c := range cuts {
		end := len(raw)
		if i+1 < len(cuts) {
			end = cuts[i+1]
		}
		spans = append(spans, cycleSpan{start: c, end: end})
	}
	return spans
}

// findExtrema locates local minima below dBot and maxima above dTop, then
// thins candidates closer than minSep frames, keeping the one that reaches
// further past its threshold, and finally enforces min/max alternation the
// same way.
func findExtrema(d []float64, dTop, dBot float64, minSep int) []extremum {
	var candidates []extremum
	for i := 1; i < len(d)-1; i++ {
		v := d[i]
		if core.IsMissingAngle(v) {
			continue
		}
		prev, ok1 := nearestValid(d, i, -1)
		next, ok2 := nearestValid(d, i, +1)
		if !ok1 || !ok2 {
			continue
		}
		if v < dBot && v <= prev && v < next {
			candidates = append(candidates, extremum{pos: i, isMin: true, val: v})
		} else if v > dTop && v >= prev && v > next {
			candidates = append(candidates, extremum{pos: i, isMin: false, val: v})
		}
	}

	// Candidates arrive in time order. A candidate too close to the one kept
	// before it survives only by being more extreme.
	reach := func(e extremum) float64 {
		if e.isMin {
			return dBot - e.val
		}
		return e.val - dTop
	}
	var thinned []extremum
	for _, c := range candidates {
		if len(thinned) == 0 {
			thinned = append(thinned, c)
			continue
		}
		last := &thinned[len(thinned)-1]
		if c.pos-last.pos >= minSep {
			thinned = append(thinned, c)
			continue
		}
		if reach(c) > reach(*last) {
			*last = c
		}
	}

	// Alternation: of two same-kind neighbors the more extreme one stays.
	var out []extremum
	for _, c := range thinned {
		if len(out) == 0 || out[len(out)-1].isMin != c.isMin {
			out = append(out, c)
			continue
		}
		last := &out[len(out)-1]
		if (c.isMin && c.val < last.val) || (!c.isMin && c.val > last.val) {
			*last = c
		}
	}
	return out
}

func nearestValid(d []float64, i, step int) (float64, bool) {
	for j := i + step; j >= 0 && j < len(d); j += step {
		if !core.IsMissingAngle(d[j]) {
			return d[j], true
		}
	}
	return 0, false
}

// walkStateMachine labels every active frame. Validated extrema gate the
// threshold crossings so residual oscillation cannot fabricate transitions:
// descending -> bottom fires only while approaching a validated minimum, and
// ascending -> top only while approaching a validated maximum.
func walkStateMachine(d []float64, extrema []extremum, dTop, dBot float64) *PhaseResult {
	res := &PhaseResult{Labels: make([]core.Phase, len(d))}

	state := core.PhaseReady
	if len(d) > 0 && !core.IsMissingAngle(d[0]) && d[0] >= dTop {
		state = core.PhaseTop
	}

	k := 0 // next extremum not yet passed
	minAhead := func(from int) bool {
		for j := from; j < len(extrema); j++ {
			if extrema[j].isMin {
				return true
			}
		}
		return false
	}

	for i, v := range d {
		for k < len(extrema) && extrema[k].pos < i {
			k++
		}
		if core.IsMissingAngle(v) {
			res.Labels[i] = state
			continue
		}

		switch state {
		case core.PhaseReady:
			if v >= dTop {
				state = core.PhaseTop
			}
		case core.PhaseTop:
			if v < dTop {
				if minAhead(k) {
					state = core.PhaseDescending
				} else {
					state = core.PhaseFinish
				}
			}
		case core.PhaseDescending:
			if v < dBot && k < len(extrema) && extrema[k].isMin {
				state = core.PhaseBottom
			}
		case core.PhaseBottom:
			if v > dBot && k > 0 && extrema[k-1].isMin {
				state = core.PhaseAscending
			}
		case core.PhaseAscending:
			if v >= dTop && k < len(extrema) && !extrema[k].isMin {
				state = core.PhaseTop
				res.Count++
			}
		case core.PhaseFinish:
			// terminal
		}
		res.Labels[i] = state
	}
	return res
}

// CountTopTransitions recounts reps from a label stream; used by tests to
// assert the count/labels agreement.
func CountTopTransitions(labels []core.Phase) int {
	n := 0
	for i := 1; i < len(labels); i++ {
		if labels[i] == core.PhaseTop && labels[i-1] == core.PhaseAscending {
			n++
		}
	}
	return n
}
