package processors

import (
	"fmt"
	"math"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

func synthPushupFrames(n int, w, h float64) []core.PoseFrame {
	frames := make([]core.PoseFrame, n)
	for i := 0; i < n; i++ {
		t := float64(i) / 10.0
		elbow := 120 + 50*math.Cos(2*math.Pi*t/4)
		frames[i] = core.PoseFrame{
			Frame:     core.Frame{Index: i, TimestampSec: t},
			Keypoints: SynthesizePushupPose(elbow, w, h),
		}
	}
	return frames
}

func TestConditionNormalizesAndDerivesAngles(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	info := core.VideoInfo{Width: 1920, Height: 1080}
	frames := synthPushupFrames(50, 1920, 1080)

	cond := Condition(cfg, profile, frames, info)

	require.Len(t, cond.Frames, 50)
	assert.Equal(t, 50, cond.SuccessCount)
	assert.Zero(t, cond.LongestGap)

	for _, f := range cond.Frames {
		for name, kp := range f.Keypoints {
			assert.GreaterOrEqual(t, kp.X, 0.0, name)
			assert.LessOrEqual(t, kp.X, 1.0, name)
			assert.GreaterOrEqual(t, kp.Y, 0.0, name)
			assert.LessOrEqual(t, kp.Y, 1.0, name)
		}
		// Virtual midpoints derived from both visible sides.
		assert.Contains(t, f.Keypoints, core.JointNeck)
		assert.Contains(t, f.Keypoints, core.JointWaist)
		assert.Contains(t, f.Keypoints, core.JointAnkleC)
	}

	// The input frames keep their pixel coordinates.
	assert.Greater(t, frames[0].Keypoints["Left Wrist"].X, 1.0)

	for _, s := range profile.Series {
		require.Contains(t, cond.Angles, s.Name)
		require.Len(t, cond.Angles[s.Name], 50)
	}

	// The elbow series tracks the synthesized motion: near full extension at
	// frame 0, near 70 degrees at the bottom 2 seconds in.
	assert.InDelta(t, 170, cond.Angles["left_elbow"][0], 8)
	assert.InDelta(t, 70, cond.Angles["left_elbow"][20], 8)
}

func TestConditionSmoothingKeepsTurnaroundExtremes(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	info := core.VideoInfo{Width: 1920, Height: 1080}
	frames := synthPushupFrames(50, 1920, 1080)

	cond := Condition(cfg, profile, frames, info)

	// Frame 20 is the bottom of the synthesized rep at exactly 70 degrees. A
	// pure window mean drags the turnaround angle up by more than 10 degrees;
	// the raw-weighted blend has to keep it near the true extreme.
	assert.InDelta(t, 70, cond.Angles["left_elbow"][20], 5)
	assert.InDelta(t, 170, cond.Angles["left_elbow"][0], 5)
}

func TestConditionSmoothingDampsJitter(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	info := core.VideoInfo{Width: 1920, Height: 1080}

	faker := gofakeit.New(7)
	frames := synthPushupFrames(50, 1920, 1080)
	for i := range frames {
		for name, kp := range frames[i].Keypoints {
			kp.X += faker.Float64Range(-6, 6)
			kp.Y += faker.Float64Range(-6, 6)
			frames[i].Keypoints[name] = kp
		}
	}

	smoothed := Condition(cfg, profile, frames, info)

	noSmooth := cfg
	noSmooth.SmoothingWindow = 1
	rough := Condition(noSmooth, profile, frames, info)

	assert.Less(t, jitter(smoothed.Angles["left_elbow"]), jitter(rough.Angles["left_elbow"]))
}

// jitter is the mean absolute second difference of a series.
func jitter(vals []float64) float64 {
	sum := 0.0
	for i := 2; i < len(vals); i++ {
		sum += math.Abs(vals[i] - 2*vals[i-1] + vals[i-2])
	}
	return sum / float64(len(vals)-2)
}

func TestConditionCountsDetectionGaps(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	info := core.VideoInfo{Width: 1920, Height: 1080}

	frames := synthPushupFrames(30, 1920, 1080)
	for i := 10; i < 15; i++ {
		frames[i].Keypoints = core.KeypointSet{}
	}

	cond := Condition(cfg, profile, frames, info)
	assert.Equal(t, 25, cond.SuccessCount)
	assert.Equal(t, 5, cond.LongestGap)
}

func TestImputeGaps(t *testing.T) {
	miss := core.MissingAngle()

	t.Run("short interior gap is interpolated", func(t *testing.T) {
		vals := []float64{100, miss, miss, 130, 140}
		imputeGaps(vals, 3)
		assert.InDelta(t, 110, vals[1], 1e-9)
		assert.InDelta(t, 120, vals[2], 1e-9)
	})

	t.Run("gap wider than the limit stays missing", func(t *testing.T) {
		vals := []float64{100, miss, miss, miss, miss, 140}
		imputeGaps(vals, 3)
		for i := 1; i <= 4; i++ {
			assert.True(t, core.IsMissingAngle(vals[i]), fmt.Sprintf("index %d", i))
		}
	})

	t.Run("edge gaps stay missing", func(t *testing.T) {
		vals := []float64{miss, 100, 110, miss}
		imputeGaps(vals, 3)
		assert.True(t, core.IsMissingAngle(vals[0]))
		assert.True(t, core.IsMissingAngle(vals[3]))
	})
}

func TestConditionUnknownResolutionPassesThrough(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// Coordinates already normalized, no probe resolution available.
	frames := synthPushupFrames(10, 1, 1)
	cond := Condition(cfg, profile, frames, core.VideoInfo{})

	kp := cond.Frames[0].Keypoints["Left Wrist"]
	assert.InDelta(t, 0.42, kp.X, 0.05)
}
