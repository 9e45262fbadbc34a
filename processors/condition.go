package processors

import (
	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// Conditioned is stage 3 output: normalized, smoothed keypoint frames plus
// the per-series angle signals the later stages consume.
type Conditioned struct {
	Frames []core.PoseFrame
	Angles core.AngleSeries

	// SuccessCount is the number of frames with at least one usable joint.
	SuccessCount int
	// LongestGap is the longest run of detection-less frames, recorded in the
	// filtering provenance when it exceeds the imputable width.
	LongestGap int
}

// Condition normalizes coordinates to [0,1], smooths each joint series inside
// contiguous valid runs, derives the virtual midpoints, computes the
// profile's angle series and linearly imputes angle gaps up to
// cfg.ImputeMaxGap frames. The input frames are not mutated.
func Condition(cfg config.Config, profile *profiles.Profile, frames []core.PoseFrame, info core.VideoInfo) *Conditioned {
	n := len(frames)
	out := &Conditioned{
		Frames: make([]core.PoseFrame, n),
		Angles: make(core.AngleSeries, len(profile.Series)),
	}

	w := float64(info.Width)
	h := float64(info.Height)
	if w <= 0 || h <= 0 {
		// Unknown resolution, assume the coordinates are already normalized.
		w, h = 1, 1
	}

	for i, f := range frames {
		norm := make(core.KeypointSet, len(f.Keypoints))
		for name, kp := range f.Keypoints {
			norm[name] = core.Keypoint{X: kp.X / w, Y: kp.Y / h, Vis: kp.Vis}
		}
		out.Frames[i] = core.PoseFrame{Frame: f.Frame, Keypoints: norm}
	}

	smoothJointSeries(out.Frames, cfg.SmoothingWindow)
	addVirtualJoints(out.Frames)

	gap := 0
	for _, f := range out.Frames {
		if f.Keypoints.AllMissing() {
			gap++
			if gap > out.LongestGap {
				out.LongestGap = gap
			}
			continue
		}
		gap = 0
		out.SuccessCount++
	}

	for _, s := range profile.Series {
		vals := make([]float64, n)
		for i, f := range out.Frames {
			vals[i] = tripleAngle(f.Keypoints, s.Triple)
		}
		imputeGaps(vals, cfg.ImputeMaxGap)
		out.Angles[s.Name] = vals
	}

	if out.LongestGap > cfg.ImputeMaxGap {
		log.Debugf("condition: detection gap of %d frames exceeds imputable width %d", out.LongestGap, cfg.ImputeMaxGap)
	}
	return out
}

// smoothRawBlend is the weight of the raw sample when mixing it with the
// windowed mean. A pure moving average flattens the extremes at rep
// turnarounds, which shifts the angle series where the scoring bands are
// tightest.
const smoothRawBlend = 0.7

// smoothJointSeries blends each joint coordinate with a centered moving
// average of the given width, independently per joint and only within
// contiguous runs of visible samples. Missing samples never contribute.
func smoothJointSeries(frames []core.PoseFrame, window int) {
	if window <= 1 || len(frames) == 0 {
		return
	}
	half := window / 2

	for _, joint := range core.CocoJoints {
		type sample struct {
			x, y  float64
			valid bool
		}
		series := make([]sample, len(frames))
		for i, f := range frames {
			if p, ok := f.Keypoints.Point(joint); ok {
				series[i] = sample{x: p.X(), y: p.Y(), valid: true}
			}
		}

		for i := range series {
			if !series[i].valid {
				continue
			}
			// Clip the window at the edges of the valid run around i.
			lo, hi := i, i
			for lo > 0 && i-lo < half && series[lo-1].valid {
				lo--
			}
			for hi < len(series)-1 && hi-i < half && series[hi+1].valid {
				hi++
			}
			var sx, sy float64
			for j := lo; j <= hi; j++ {
				sx += series[j].x
				sy += series[j].y
			}
			cnt := float64(hi - lo + 1)
			kp := frames[i].Keypoints[joint]
			kp.X = smoothRawBlend*series[i].x + (1-smoothRawBlend)*(sx/cnt)
			kp.Y = smoothRawBlend*series[i].y + (1-smoothRawBlend)*(sy/cnt)
			frames[i].Keypoints[joint] = kp
		}
	}
}

// addVirtualJoints derives the Neck, Waist and Ankle_C midpoints used by rule
// geometry. A midpoint exists only when both sides are visible; its vis is
// the weaker of the two.
func addVirtualJoints(frames []core.PoseFrame) {
	pairs := []struct {
		name        string
		left, right string
	}{
		{core.JointNeck, "Left Shoulder", "Right Shoulder"},
		{core.JointWaist, "Left Hip", "Right Hip"},
		{core.JointAnkleC, "Left Ankle", "Right Ankle"},
	}

	for i := range frames {
		set := frames[i].Keypoints
		for _, p := range pairs {
			l, okL := set.Point(p.left)
			r, okR := set.Point(p.right)
			if !okL || !okR {
				continue
			}
			m := core.Mid(l, r)
			vis := set[p.left].Vis
			if set[p.right].Vis < vis {
				vis = set[p.right].Vis
			}
			set[p.name] = core.Keypoint{X: m.X(), Y: m.Y(), Vis: vis}
		}
	}
}

func tripleAngle(set core.KeypointSet, t profiles.Triple) float64 {
	a, okA := set.Point(t.A)
	b, okB := set.Point(t.B)
	c, okC := set.Point(t.C)
	if !okA || !okB || !okC {
		return core.MissingAngle()
	}
	return core.Angle(a, b, c)
}

// imputeGaps linearly interpolates interior missing runs of length <= maxGap.
// Runs touching either end of the series and longer runs stay missing.
func imputeGaps(vals []float64, maxGap int) {
	if maxGap <= 0 {
		return
	}
	i := 0
	for i < len(vals) {
		if !core.IsMissingAngle(vals[i]) {
			i++
			continue
		}
		start := i
		for i < len(vals) && core.IsMissingAngle(vals[i]) {
			i++
		}
		end := i // first valid index after the gap, or len(vals)
		if start == 0 || end == len(vals) || end-start > maxGap {
			continue
		}
		prev := vals[start-1]
		next := vals[end]
		span := float64(end - start + 1)
		for j := start; j < end; j++ {
			frac := float64(j-start+1) / span
			vals[j] = prev + (next-prev)*frac
		}
	}
}
