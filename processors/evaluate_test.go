package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

func singleFrameAngles(vals map[string]float64) core.AngleSeries {
	angles := core.AngleSeries{}
	for name, v := range vals {
		angles[name] = []float64{v}
	}
	return angles
}

func TestScoreFrameCleanBottom(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  72,
		"right_elbow": 70,
		"left_body":   176,
		"right_body":  175,
		"head":        168,
		"left_leg":    177,
		"right_leg":   178,
	})

	fs, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	require.True(t, ok)
	assert.InDelta(t, 1.0, fs.Score, 1e-9)
	assert.Empty(t, fs.Errors)
	assert.Equal(t, core.StatusOK, fs.Details["elbow_depth"].Status)
	// The top-only extension rule must not appear on a bottom frame.
	assert.NotContains(t, fs.Details, "elbow_extension")
}

func TestScoreFrameHipSag(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// Hips sagging to 150 degrees against the [167,183] band: delta 17 is past
	// the soft margin, so it is an error with contribution 1-17/20 = 0.15.
	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  72,
		"right_elbow": 70,
		"left_body":   150,
		"right_body":  150,
		"head":        168,
		"left_leg":    177,
		"right_leg":   178,
	})

	fs, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	require.True(t, ok)

	// weights: depth .3, body .4 (c=0.15), head .15, leg .15, symmetry .1
	want := (0.3 + 0.4*0.15 + 0.15 + 0.15 + 0.1) / 1.1
	assert.InDelta(t, want, fs.Score, 1e-6)

	require.NotEmpty(t, fs.Errors)
	assert.Equal(t, profile.Rules[2].Fault, fs.Errors[0], "worst fault is reported first")
	assert.Equal(t, core.StatusError, fs.Details["body_line"].Status)
}

func TestScoreFrameSoftMarginIsWarning(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// 162 is 5 degrees under the body_line band: inside the 8 degree soft
	// margin, a warning rather than an error.
	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  72,
		"right_elbow": 70,
		"left_body":   162,
		"right_body":  162,
		"head":        168,
		"left_leg":    177,
		"right_leg":   178,
	})

	fs, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	require.True(t, ok)
	assert.Equal(t, core.StatusWarning, fs.Details["body_line"].Status)
	assert.Contains(t, fs.Errors, profile.Rules[2].Warn)
	assert.Less(t, fs.Score, 1.0)
}

func TestScoreFrameSymmetryRule(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  95,
		"right_elbow": 60, // 35 degrees apart, way past the 15 degree band
		"left_body":   176,
		"right_body":  175,
		"head":        168,
		"left_leg":    177,
		"right_leg":   178,
	})

	fs, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	require.True(t, ok)
	assert.Equal(t, core.StatusError, fs.Details["elbow_symmetry"].Status)
}

func TestScoreFrameMissingAnglesSkipRules(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// Only one elbow visible: the depth rule averages the available side, the
	// symmetry rule (needs both) is skipped entirely.
	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  70,
		"right_elbow": core.MissingAngle(),
		"left_body":   176,
		"right_body":  core.MissingAngle(),
		"head":        core.MissingAngle(),
		"left_leg":    177,
		"right_leg":   core.MissingAngle(),
	})

	fs, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	require.True(t, ok)
	assert.NotContains(t, fs.Details, "elbow_symmetry")
	assert.NotContains(t, fs.Details, "head_neutral")
	assert.Contains(t, fs.Details, "elbow_depth")
}

func TestScoreFrameNoApplicableRules(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	angles := singleFrameAngles(map[string]float64{
		"left_elbow":  core.MissingAngle(),
		"right_elbow": core.MissingAngle(),
		"left_body":   core.MissingAngle(),
		"right_body":  core.MissingAngle(),
		"head":        core.MissingAngle(),
		"left_leg":    core.MissingAngle(),
		"right_leg":   core.MissingAngle(),
	})

	_, ok := scoreFrame(cfg, profile, angles, 0, core.PhaseBottom)
	assert.False(t, ok)
}

func TestClassifyBands(t *testing.T) {
	status, delta := classify(170, 160, 180, 8)
	assert.Equal(t, core.StatusOK, status)
	assert.Zero(t, delta)

	status, delta = classify(155, 160, 180, 8)
	assert.Equal(t, core.StatusWarning, status)
	assert.InDelta(t, 5, delta, 1e-9)

	status, delta = classify(140, 160, 180, 8)
	assert.Equal(t, core.StatusError, status)
	assert.InDelta(t, 20, delta, 1e-9)
}

func TestAggregateAndGrades(t *testing.T) {
	scores := []core.FrameScore{
		{Phase: core.PhaseBottom, Score: 0.8},
		{Phase: core.PhaseBottom, Score: 0.6},
		{Phase: core.PhaseTop, Score: 1.0},
	}
	avg, perPhase := Aggregate(scores)
	assert.InDelta(t, 0.8, avg, 1e-9)
	assert.InDelta(t, 0.7, perPhase["bottom"], 1e-9)
	assert.InDelta(t, 1.0, perPhase["top"], 1e-9)

	avg, perPhase = Aggregate(nil)
	assert.Zero(t, avg)
	assert.Empty(t, perPhase)

	assert.Equal(t, "S", GradeFor(0.95, nil))
	assert.Equal(t, "A", GradeFor(0.75, nil))
	assert.Equal(t, "B", GradeFor(0.55, nil))
	assert.Equal(t, "C", GradeFor(0.3, nil))

	// DTW at 30%: 0.92*0.7 + 0.5*0.3 = 0.794 -> A instead of S.
	assert.Equal(t, "A", GradeFor(0.92, &core.DTWResult{OverallScore: 0.5}))
}

func TestErrorFrames(t *testing.T) {
	scores := []core.FrameScore{
		{FrameIdx: 1, Errors: []string{"hips"}},
		{FrameIdx: 2},
		{FrameIdx: 3, Errors: []string{"depth"}},
	}
	bad := ErrorFrames(scores)
	require.Len(t, bad, 2)
	assert.Equal(t, 1, bad[0].FrameIdx)
	assert.Equal(t, 3, bad[1].FrameIdx)
}
