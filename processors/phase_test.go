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

// cosineElbowCond builds a Conditioned with both elbow driver series set to
// 120 + 50*cos(2*pi*t/4) sampled at 10 fps, i.e. one push-up rep every four
// seconds starting and ending at the top.
func cosineElbowCond(n int) *Conditioned {
	return cosineElbowCondAt(n, 10)
}

func cosineElbowCondAt(n, fps int) *Conditioned {
	elbow := make([]float64, n)
	for i := range elbow {
		t := float64(i) / float64(fps)
		elbow[i] = 120 + 50*math.Cos(2*math.Pi*t/4)
	}
	right := make([]float64, n)
	copy(right, elbow)
	return &Conditioned{
		Frames: make([]core.PoseFrame, n),
		Angles: core.AngleSeries{"left_elbow": elbow, "right_elbow": right},
	}
}

func allActive(n int) *Segmentation {
	seg := &Segmentation{Active: make([]bool, n)}
	for i := 0; i < n; i++ {
		seg.Active[i] = true
		seg.Selected = append(seg.Selected, i)
	}
	return seg
}

func TestTrackPhasesCountsThreeReps(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// 13 seconds: tops at t=0,4,8,12 with a few trailing frames so the last
	// peak is an interior extremum.
	n := 130
	cond := cosineElbowCond(n)
	seg := allActive(n)

	res := TrackPhases(cfg, profile, cond, seg)

	require.Len(t, res.Labels, n)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, res.Count, CountTopTransitions(res.Labels),
		"rep count must equal ascending->top transitions")

	// The stream starts at full extension: the opening plateau is top, not
	// ready, giving one top run per peak.
	assert.Equal(t, core.PhaseTop, res.Labels[0])
	assert.Equal(t, 4, countRuns(res.Labels, core.PhaseTop))
	assert.Equal(t, 3, countRuns(res.Labels, core.PhaseBottom))
}

func TestTrackPhasesJitterAtThresholdDoesNotDoubleCount(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	n := 130
	cond := cosineElbowCond(n)
	// Small oscillation on top of the motion; crossings of d_top/d_bot jitter
	// but the validated extrema keep one rep per cycle.
	for i := range cond.Angles["left_elbow"] {
		wobble := 3 * math.Sin(float64(i)*2.1)
		cond.Angles["left_elbow"][i] += wobble
		cond.Angles["right_elbow"][i] += wobble
	}
	seg := allActive(n)

	res := TrackPhases(cfg, profile, cond, seg)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, res.Count, CountTopTransitions(res.Labels))
}

func TestTrackPhasesPartialRepNotCounted(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	// Descend and come back only halfway: no validated maximum after the
	// minimum, so nothing is counted.
	n := 40
	elbow := make([]float64, n)
	for i := range elbow {
		switch {
		case i < 10:
			elbow[i] = 170
		case i < 20:
			elbow[i] = 170 - 10*float64(i-10)
		default:
			elbow[i] = 70 + 2.5*float64(i-20)
		}
	}
	cond := &Conditioned{
		Frames: make([]core.PoseFrame, n),
		Angles: core.AngleSeries{"left_elbow": elbow, "right_elbow": append([]float64{}, elbow...)},
	}
	seg := allActive(n)

	res := TrackPhases(cfg, profile, cond, seg)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, 0, CountTopTransitions(res.Labels))
}

func TestTrackPhasesMissingDriverCarriesState(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()

	n := 130
	cond := cosineElbowCond(n)
	// Knock out a short stretch mid-descent; the label stream carries the
	// current phase across it.
	for i := 25; i < 28; i++ {
		cond.Angles["left_elbow"][i] = core.MissingAngle()
		cond.Angles["right_elbow"][i] = core.MissingAngle()
	}
	seg := allActive(n)

	res := TrackPhases(cfg, profile, cond, seg)
	assert.Equal(t, res.Labels[24], res.Labels[25])
	assert.Equal(t, 3, res.Count)
}

func TestNormalizeDriverScalesCycle(t *testing.T) {
	// One full rep cycle: top at frame 0, bottom at frame 20.
	n := 40
	raw := make([]float64, n)
	for i := range raw {
		raw[i] = 120 + 50*math.Cos(2*math.Pi*float64(i)/40)
	}

	d := normalizeDriver(raw, false)
	assert.InDelta(t, 1.0, d[0], 1e-9)
	assert.InDelta(t, 0.0, d[20], 1e-9)
	assert.InDelta(t, 0.5, d[10], 0.05)

	inv := normalizeDriver(raw, true)
	assert.InDelta(t, 0.0, inv[0], 1e-9)
	assert.InDelta(t, 1.0, inv[20], 1e-9)
}

func TestNormalizeDriverRescalesOffsetRepAlone(t *testing.T) {
	// Three clean reps with the middle one shifted up 30 degrees. Each
	// cycle scales against its own bounds, so every rep's extrema stay at
	// the rails.
	raw := make([]float64, 130)
	for i := range raw {
		raw[i] = 120 + 50*math.Cos(2*math.Pi*float64(i)/40)
	}
	for i := 40; i < 80; i++ {
		raw[i] += 30
	}

	d := normalizeDriver(raw, false)
	for _, top := range []int{0, 40, 80, 120} {
		assert.GreaterOrEqual(t, d[top], 0.95, "top at frame %d", top)
	}
	for _, bottom := range []int{20, 60, 100} {
		assert.LessOrEqual(t, d[bottom], 0.05, "bottom at frame %d", bottom)
	}
}

func TestNormalizeDriverFlatSignalIsMissing(t *testing.T) {
	d := normalizeDriver([]float64{90, 90, 90}, false)
	for _, v := range d {
		assert.True(t, core.IsMissingAngle(v))
	}
}

func TestFindExtremaRefractoryKeepsMoreExtreme(t *testing.T) {
	// Two sub-threshold dips 2 frames apart: only the deeper one survives the
	// refractory window.
	d := []float64{0.9, 0.5, 0.15, 0.18, 0.10, 0.5, 0.7, 0.9, 0.95, 0.9}
	ext := findExtrema(d, 0.8, 0.2, 4)

	require.Len(t, ext, 2)
	assert.True(t, ext[0].isMin)
	assert.Equal(t, 4, ext[0].pos)
	assert.False(t, ext[1].isMin)
	assert.Equal(t, 8, ext[1].pos)
}

func TestTrackPhasesBiasedRepKeepsCountScoresLower(t *testing.T) {
	cfg := config.Default()
	profile := profiles.Pushup()
	n := 130

	base := cosineElbowCond(n)
	biased := cosineElbowCond(n)
	for i := 40; i < 80; i++ {
		biased.Angles["left_elbow"][i] += 30
		biased.Angles["right_elbow"][i] += 30
	}
	seg := allActive(n)

	basePhases := TrackPhases(cfg, profile, base, seg)
	biasedPhases := TrackPhases(cfg, profile, biased, seg)
	require.Equal(t, 3, basePhases.Count)
	assert.Equal(t, basePhases.Count, biasedPhases.Count,
		"an angle offset confined to one rep must not change the count")

	baseAvg := avgScoreInRange(t, Evaluate(cfg, profile, base, seg, basePhases), 40, 80)
	biasedAvg := avgScoreInRange(t, Evaluate(cfg, profile, biased, seg, biasedPhases), 40, 80)
	assert.Less(t, biasedAvg, baseAvg, "the offset rep's frames must score lower")
}

func TestTrackPhasesResampledRateAgrees(t *testing.T) {
	profile := profiles.Pushup()

	cfg10 := config.Default()
	cond10 := cosineElbowCond(130)
	seg10 := allActive(130)
	phases10 := TrackPhases(cfg10, profile, cond10, seg10)

	// The same 13 seconds of motion sampled at 6 fps.
	cfg6 := config.Default()
	cfg6.ExtractFPS = 6
	cond6 := cosineElbowCondAt(78, 6)
	seg6 := allActive(78)
	phases6 := TrackPhases(cfg6, profile, cond6, seg6)

	require.Equal(t, 3, phases10.Count)
	assert.Equal(t, phases10.Count, phases6.Count)

	avg10, _ := Aggregate(Evaluate(cfg10, profile, cond10, seg10, phases10))
	avg6, _ := Aggregate(Evaluate(cfg6, profile, cond6, seg6, phases6))
	assert.InEpsilon(t, avg10, avg6, 0.05)
}

// avgScoreInRange averages the frame scores whose frame index falls in
// [lo, hi).
func avgScoreInRange(t *testing.T, scores []core.FrameScore, lo, hi int) float64 {
	t.Helper()
	sum, cnt := 0.0, 0
	for _, fs := range scores {
		if fs.FrameIdx >= lo && fs.FrameIdx < hi {
			sum += fs.Score
			cnt++
		}
	}
	require.Positive(t, cnt)
	return sum / float64(cnt)
}

func countRuns(labels []core.Phase, phase core.Phase) int {
	runs := 0
	for i, l := range labels {
		if l == phase && (i == 0 || labels[i-1] != phase) {
			runs++
		}
	}
	return runs
}
