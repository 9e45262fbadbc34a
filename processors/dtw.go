package processors

import (
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// dtwAlpha maps normalized path cost to a similarity score via
// exp(-alpha*cost). With per-dimension L1 step costs a self comparison costs
// 0 (score 1.0) and a shuffled-angles control costs about 1/3 (score ~0.1).
const dtwAlpha = 7.0

// FrameFeatures builds the per-frame DTW feature vectors over the active
// frames: one component per profile series, angles divided by 180 so every
// component is in [0,1]. A missing angle carries the last seen value (0.5
// before any) so the vectors stay complete.
func FrameFeatures(profile *profiles.Profile, cond *Conditioned, selected []int) [][]float64 {
	names := profile.SeriesNames()
	last := make([]float64, len(names))
	for i := range last {
		last[i] = 0.5
	}

	out := make([][]float64, len(selected))
	for i, frameIdx := range selected {
		vec := make([]float64, len(names))
		for j, name := range names {
			series := cond.Angles[name]
			if frameIdx < len(series) && !core.IsMissingAngle(series[frameIdx]) {
				last[j] = series[frameIdx] / 180.0
			}
			vec[j] = last[j]
		}
		out[i] = vec
	}
	return out
}

// BuildReference digests a fully analyzed model video into the form the
// store keeps: one representative rep segment of features per phase, rep
// count, and a centroid vector for similarity lookup. The representative is
// the median-length run of the phase, so one odd rep in the model video does
// not skew the digest.
func BuildReference(profile *profiles.Profile, cond *Conditioned, seg *Segmentation, phases *PhaseResult, info core.VideoInfo, fps int, name string) *core.Reference {
	features := FrameFeatures(profile, cond, seg.Selected)

	ref := &core.Reference{
		Name:        name,
		Exercise:    profile.Name,
		FPS:         fps,
		RepCount:    phases.Count,
		Resolution:  [2]int{info.Width, info.Height},
		Phases:      make(map[string][][]float64),
		PhaseCounts: make(map[string]int),
		CreatedAt:   time.Now().UTC(),
	}

	runs := make(map[string][]phaseSegment)
	for _, s := range phaseSegments(phases.Labels) {
		p := string(s.phase)
		runs[p] = append(runs[p], s)
		ref.PhaseCounts[p] += s.end - s.start
	}
	for p, segs := range runs {
		sort.SliceStable(segs, func(i, j int) bool {
			return segs[i].end-segs[i].start < segs[j].end-segs[j].start
		})
		mid := segs[len(segs)/2]
		ref.Phases[p] = append([][]float64{}, features[mid.start:mid.end]...)
	}

	ref.Centroid = FeatureCentroid(features)
	return ref
}

// FeatureCentroid averages the feature vectors into the fixed-width vector
// the store indexes for similarity lookup.
func FeatureCentroid(features [][]float64) []float32 {
	centroid := make([]float32, core.FeatureDim)
	if len(features) == 0 {
		return centroid
	}
	for _, vec := range features {
		for j, v := range vec {
			if j < core.FeatureDim {
				centroid[j] += float32(v)
			}
		}
	}
	for j := range centroid {
		centroid[j] /= float32(len(features))
	}
	return centroid
}

type phaseSegment struct {
	phase core.Phase
	start int // inclusive, index into the active frame array
	end   int // exclusive
}

// phaseSegments splits the label stream into contiguous same-phase runs.
// Each run of a cyclic phase is one rep's worth of that phase.
func phaseSegments(labels []core.Phase) []phaseSegment {
	var segs []phaseSegment
	for i := 0; i < len(labels); {
		j := i
		for j < len(labels) && labels[j] == labels[i] {
			j++
		}
		segs = append(segs, phaseSegment{phase: labels[i], start: i, end: j})
		i = j
	}
	return segs
}

// ScoreDTW compares the user's per-phase movement against a reference digest
// using band-limited DTW. Per phase, each user rep segment is aligned against
// the reference's representative rep; the phase score is the mean similarity and
// the overall score the segment-count-weighted mean across phases. Returns
// nil when nothing could be compared.
func ScoreDTW(cfg config.Config, profile *profiles.Profile, cond *Conditioned, seg *Segmentation, phases *PhaseResult, ref *core.Reference) *core.DTWResult {
	if ref == nil || ref.RepCount == 0 {
		return nil
	}

	features := FrameFeatures(profile, cond, seg.Selected)
	names := profile.SeriesNames()

	scored := make(map[core.Phase]bool, len(profile.ScoredPhases))
	for _, p := range profile.ScoredPhases {
		scored[core.Phase(p)] = true
	}

	result := &core.DTWResult{
		PhaseScores:   make(map[string]float64),
		PhaseSegments: make(map[string]int),
	}
	jointDiffSum := make([]float64, len(names))
	jointDiffCnt := 0

	var weightedSum, weightTotal float64
	for _, s := range phaseSegments(phases.Labels) {
		if !scored[s.phase] {
			continue
		}
		refSeq := ref.Phases[string(s.phase)]
		if len(refSeq) == 0 {
			continue
		}
		userSeq := features[s.start:s.end]
		if len(userSeq) == 0 {
			continue
		}

		cost, pairs := bandedDTW(userSeq, refSeq, cfg.DTWBandFrac)
		score := math.Exp(-dtwAlpha * cost)

		p := string(s.phase)
		result.PhaseScores[p] += score
		result.PhaseSegments[p]++
		weightedSum += score
		weightTotal++

		for _, pr := range pairs {
			u, r := userSeq[pr[0]], refSeq[pr[1]]
			for j := range names {
				if j < len(u) && j < len(r) {
					jointDiffSum[j] += math.Abs(u[j]-r[j]) * 180.0
				}
			}
			jointDiffCnt++
		}
	}

	if weightTotal == 0 {
		return nil
	}
	for p, n := range result.PhaseSegments {
		result.PhaseScores[p] /= float64(n)
	}
	result.OverallScore = weightedSum / weightTotal

	diffs := make([]core.JointDiff, len(names))
	for j, name := range names {
		mean := 0.0
		if jointDiffCnt > 0 {
			mean = jointDiffSum[j] / float64(jointDiffCnt)
		}
		diffs[j] = core.JointDiff{Joint: name, MeanAbsDiff: mean}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].MeanAbsDiff > diffs[j].MeanAbsDiff })
	if len(diffs) > 4 {
		diffs = diffs[:4]
	}
	result.WorstJoints = diffs

	log.Debugf("dtw: overall %.3f over %d segments", result.OverallScore, int(weightTotal))
	return result
}

// bandedDTW aligns two feature sequences under a Sakoe-Chiba band and
// returns the path cost normalized by path length and feature dimension,
// plus the aligned index pairs. Step cost is the per-dimension mean absolute
// difference.
func bandedDTW(a, b [][]float64, bandFrac float64) (float64, [][2]int) {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return math.Inf(1), nil
	}
	dim := len(a[0])
	if dim == 0 {
		return math.Inf(1), nil
	}

	longer := n
	if m > longer {
		longer = m
	}
	band := int(math.Ceil(bandFrac * float64(longer)))
	if diff := n - m; diff < 0 && band < -diff {
		band = -diff
	} else if diff > 0 && band < diff {
		band = diff
	}
	if band < 1 {
		band = 1
	}

	dist := func(i, j int) float64 {
		sum := 0.0
		for k := 0; k < dim; k++ {
			sum += math.Abs(a[i][k] - b[j][k])
		}
		return sum / float64(dim)
	}

	inf := math.Inf(1)
	acc := make([][]float64, n+1)
	for i := range acc {
		acc[i] = make([]float64, m+1)
		for j := range acc[i] {
			acc[i][j] = inf
		}
	}
	acc[0][0] = 0

	for i := 1; i <= n; i++ {
		// Band center follows the diagonal.
		center := i * m / n
		lo, hi := center-band, center+band
		if lo < 1 {
			lo = 1
		}
		if hi > m {
			hi = m
		}
		for j := lo; j <= hi; j++ {
			best := acc[i-1][j-1]
			if acc[i-1][j] < best {
				best = acc[i-1][j]
			}
			if acc[i][j-1] < best {
				best = acc[i][j-1]
			}
			if math.IsInf(best, 1) {
				continue
			}
			acc[i][j] = best + dist(i-1, j-1)
		}
	}

	if math.IsInf(acc[n][m], 1) {
		return math.Inf(1), nil
	}

	// Traceback for the aligned pairs.
	var pairs [][2]int
	i, j := n, m
	for i > 0 && j > 0 {
		pairs = append(pairs, [2]int{i - 1, j - 1})
		diag, up, left := acc[i-1][j-1], acc[i-1][j], acc[i][j-1]
		switch {
		case diag <= up && diag <= left:
			i--
			j--
		case up <= left:
			i--
		default:
			j--
		}
	}
	// Reverse into time order.
	for l, r := 0, len(pairs)-1; l < r; l, r = l+1, r-1 {
		pairs[l], pairs[r] = pairs[r], pairs[l]
	}

	return acc[n][m] / float64(len(pairs)), pairs
}
