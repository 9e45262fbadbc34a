package processors

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// Segmentation is stage 4 output: the active/rest label per frame, the
// selected (active) indices, and the provenance of how the labeling was made.
type Segmentation struct {
	Active    []bool
	Selected  []int
	Filtering core.Filtering
}

// Segment labels every frame active or resting. The primary rule thresholds
// the driver-angle motion energy with hysteresis; when it labels an
// implausible share of the stream active the pose classifier takes over. Both
// paths are deterministic for a given input.
func Segment(cfg config.Config, profile *profiles.Profile, cond *Conditioned) *Segmentation {
	n := len(cond.Frames)
	driver := DriverSignal(profile, cond.Angles, n)

	energy := motionEnergy(driver, cfg.MotionWindow)
	active := applyHysteresis(thresholdLabels(energy, cfg.MotionThreshold), cfg.HysteresisOn, cfg.HysteresisOff)

	filtering := core.Filtering{Method: "motion_rule"}
	ratio := activeRatio(active)
	if n > 0 && (ratio < cfg.ActiveMinRatio || ratio > cfg.ActiveMaxRatio) {
		reason := fmt.Sprintf("motion rule labeled %.0f%% of frames active, outside [%.0f%%, %.0f%%]",
			ratio*100, cfg.ActiveMinRatio*100, cfg.ActiveMaxRatio*100)
		log.Debugf("segment: %s, consulting pose classifier", reason)

		active = applyHysteresis(classifyActivity(cond, driver, energy), cfg.HysteresisOn, cfg.HysteresisOff)
		filtering.Method = "pose_classifier"
		filtering.Reason = reason
		filtering.FallbackFrames = countActive(active)
	}

	if cond.LongestGap > cfg.ImputeMaxGap {
		note := fmt.Sprintf("detection gap of %d frames exceeds imputable width %d", cond.LongestGap, cfg.ImputeMaxGap)
		if filtering.Reason != "" {
			filtering.Reason += "; " + note
		} else {
			filtering.Reason = note
		}
	}

	seg := &Segmentation{Active: active}
	for i, a := range active {
		if a {
			seg.Selected = append(seg.Selected, i)
		}
	}
	filtering.ActiveFrames = len(seg.Selected)
	filtering.RestFrames = n - len(seg.Selected)
	seg.Filtering = filtering
	return seg
}

// DriverSignal averages the profile's driver series per frame, skipping
// missing components. A frame with no driver angle at all yields NaN.
func DriverSignal(profile *profiles.Profile, angles core.AngleSeries, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sum, cnt := 0.0, 0
		for _, name := range profile.Driver {
			series := angles[name]
			if i < len(series) && !core.IsMissingAngle(series[i]) {
				sum += series[i]
				cnt++
			}
		}
		if cnt == 0 {
			out[i] = core.MissingAngle()
		} else {
			out[i] = sum / float64(cnt)
		}
	}
	return out
}

// motionEnergy is the mean per-sample driver change against the neighbors
// within +-window, in degrees/sample. Missing neighbors are skipped; a frame
// with a missing driver has zero energy.
func motionEnergy(driver []float64, window int) []float64 {
	energy := make([]float64, len(driver))
	for i := range driver {
		if core.IsMissingAngle(driver[i]) {
			continue
		}
		sum, cnt := 0.0, 0
		for off := -window; off <= window; off++ {
			j := i + off
			if off == 0 || j < 0 || j >= len(driver) || core.IsMissingAngle(driver[j]) {
				continue
			}
			sum += math.Abs(driver[i]-driver[j]) / math.Abs(float64(off))
			cnt++
		}
		if cnt > 0 {
			energy[i] = sum / float64(cnt)
		}
	}
	return energy
}

func thresholdLabels(energy []float64, threshold float64) []bool {
	labels := make([]bool, len(energy))
	for i, e := range energy {
		labels[i] = e > threshold
	}
	return labels
}

// applyHysteresis debounces the raw labels: rest->active needs on consecutive
// raw-active frames, active->rest needs off consecutive raw-rest frames. The
// confirming streak is relabeled with the new state, so short pauses at the
// top of a rep stay active.
func applyHysteresis(raw []bool, on, off int) []bool {
	out := make([]bool, len(raw))
	state := false
	streak := 0
	for i, r := range raw {
		if r != state {
			streak++
		} else {
			streak = 0
		}
		need := on
		if state {
			need = off
		}
		if streak >= need {
			state = r
			streak = 0
			for j := i - need + 1; j <= i; j++ {
				out[j] = state
			}
			continue
		}
		out[i] = state
	}
	return out
}

// Fixed classifier weights, derived offline from labeled workout footage.
// Features: driver deviation from its own median (degrees), motion energy
// (degrees/sample), visible-joint fraction, wrist-below-shoulder indicator.
const (
	clsBias       = -1.9
	clsDeviation  = 0.055
	clsEnergy     = 0.65
	clsVisibility = 1.4
	clsArmLoaded  = 0.8
)

// classifyActivity scores each frame with the pretrained linear model and
// thresholds at 0.5.
func classifyActivity(cond *Conditioned, driver, energy []float64) []bool {
	median := medianValid(driver)
	labels := make([]bool, len(cond.Frames))
	for i, f := range cond.Frames {
		var deviation float64
		if !core.IsMissingAngle(driver[i]) && !core.IsMissingAngle(median) {
			deviation = math.Abs(driver[i] - median)
		}

		visible := 0
		for _, joint := range core.CocoJoints {
			if f.Keypoints.Visible(joint) {
				visible++
			}
		}
		visFrac := float64(visible) / float64(len(core.CocoJoints))

		armLoaded := 0.0
		if w, okW := f.Keypoints.Point("Left Wrist"); okW {
			if s, okS := f.Keypoints.Point("Left Shoulder"); okS && w.Y() > s.Y() {
				armLoaded = 1.0
			}
		}

		z := clsBias + clsDeviation*deviation + clsEnergy*energy[i] + clsVisibility*visFrac + clsArmLoaded*armLoaded
		labels[i] = 1/(1+math.Exp(-z)) > 0.5
	}
	return labels
}

func medianValid(vals []float64) float64 {
	valid := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !core.IsMissingAngle(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return core.MissingAngle()
	}
	sort.Float64s(valid)
	return valid[len(valid)/2]
}

func activeRatio(labels []bool) float64 {
	if len(labels) == 0 {
		return 0
	}
	return float64(countActive(labels)) / float64(len(labels))
}

func countActive(labels []bool) int {
	n := 0
	for _, l := range labels {
		if l {
			n++
		}
	}
	return n
}
