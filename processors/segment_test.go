package processors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// restMotionRestCond builds 30 resting frames, 60 frames of rep motion, then
// 30 more resting frames.
func restMotionRestCond() *Conditioned {
	n := 120
	elbow := make([]float64, n)
	for i := range elbow {
		switch {
		case i < 30 || i >= 90:
			elbow[i] = 170
		default:
			t := float64(i-30) / 10.0
			elbow[i] = 120 + 50*math.Cos(2*math.Pi*t/4)
		}
	}
	return &Conditioned{
		Frames: make([]core.PoseFrame, n),
		Angles: core.AngleSeries{"left_elbow": elbow, "right_elbow": append([]float64{}, elbow...)},
	}
}

func TestSegmentMotionRule(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	cond := restMotionRestCond()

	seg := Segment(cfg, profile, cond)

	require.Equal(t, "motion_rule", seg.Filtering.Method)
	assert.Empty(t, seg.Filtering.FallbackFrames)

	// The resting stretches at both ends stay out.
	for i := 0; i < 25; i++ {
		assert.False(t, seg.Active[i], "frame %d should rest", i)
	}
	for i := 95; i < 120; i++ {
		assert.False(t, seg.Active[i], "frame %d should rest", i)
	}

	// Most of the motion window is selected.
	assert.Greater(t, len(seg.Selected), 40)
	assert.Less(t, len(seg.Selected), 80)
	assert.Equal(t, len(seg.Selected), seg.Filtering.ActiveFrames)
	assert.Equal(t, 120-len(seg.Selected), seg.Filtering.RestFrames)
}

func TestSegmentFallsBackToClassifier(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// A fully static stream: the motion rule labels 0% active, below the
	// plausible floor, so the pose classifier takes over.
	n := 60
	elbow := make([]float64, n)
	frames := make([]core.PoseFrame, n)
	for i := range elbow {
		elbow[i] = 170
		frames[i] = core.PoseFrame{
			Frame:     core.Frame{Index: i},
			Keypoints: SynthesizePushupPose(170, 1, 1),
		}
	}
	cond := &Conditioned{
		Frames: frames,
		Angles: core.AngleSeries{"left_elbow": elbow, "right_elbow": append([]float64{}, elbow...)},
	}

	seg := Segment(cfg, profile, cond)
	require.Equal(t, "pose_classifier", seg.Filtering.Method)
	assert.NotEmpty(t, seg.Filtering.Reason)
}

func TestSegmentReasonNotesLongGap(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	cond := restMotionRestCond()
	cond.LongestGap = cfg.ImputeMaxGap + 2

	seg := Segment(cfg, profile, cond)
	assert.Contains(t, seg.Filtering.Reason, "detection gap")
}

func TestApplyHysteresis(t *testing.T) {
	raw := make([]bool, 62)
	for i := 10; i < 30; i++ {
		raw[i] = true
	}
	// Two-frame dropout, shorter than the off streak.
	for i := 32; i < 52; i++ {
		raw[i] = true
	}

	out := applyHysteresis(raw, 3, 5)

	assert.False(t, out[9])
	// Activation confirms on the third raw-active frame and relabels the
	// streak, so the run starts at its true onset.
	assert.True(t, out[10])
	assert.True(t, out[30], "short dropout stays active")
	assert.True(t, out[31])
	assert.True(t, out[51])
	assert.False(t, out[52], "deactivation relabels the confirming streak")
	assert.False(t, out[61])
	assert.Equal(t, 42, countActive(out))
}

func TestDriverSignalSkipsMissing(t *testing.T) {
	profile := profiles.Pushup()
	angles := core.AngleSeries{
		"left_elbow":  {100, core.MissingAngle(), core.MissingAngle()},
		"right_elbow": {110, 120, core.MissingAngle()},
	}
	d := DriverSignal(profile, angles, 3)
	assert.InDelta(t, 105, d[0], 1e-9)
	assert.InDelta(t, 120, d[1], 1e-9)
	assert.True(t, core.IsMissingAngle(d[2]))
}

func TestMotionEnergyZeroAtRest(t *testing.T) {
	driver := []float64{170, 170, 170, 170, 170}
	energy := motionEnergy(driver, 3)
	for _, e := range energy {
		assert.Zero(t, e)
	}
}
