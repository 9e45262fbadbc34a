package processors

import (
	"context"
	"math"
	"path/filepath"
	"regexp"
	"strconv"

	"posecoach/core"
)

// MockDetector synthesizes a deterministic push-up motion so the pipeline can
// run end-to-end without a model or a GPU. The frame index is recovered from
// the extractor's file naming; coordinates are emitted for a nominal 1920x1080
// image.
type MockDetector struct {
	width  float64
	height float64
	fps    float64
}

func NewMockDetector() *MockDetector {
	return &MockDetector{width: 1920, height: 1080, fps: 10}
}

func (d *MockDetector) Name() string { return "mock" }

var frameIndexRe = regexp.MustCompile(`frame_(\d+)\.jpg$`)

func (d *MockDetector) DetectBatch(ctx context.Context, imagePaths []string) ([]core.KeypointSet, error) {
	sets := make([]core.KeypointSet, len(imagePaths))
	for i, path := range imagePaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := i
		if m := frameIndexRe.FindStringSubmatch(filepath.Base(path)); m != nil {
			// ffmpeg numbering starts at 1.
			if n, err := strconv.Atoi(m[1]); err == nil {
				idx = n - 1
			}
		}
		t := float64(idx) / d.fps
		// One rep every four seconds, elbow angle swinging 70..170 degrees.
		elbow := 120 + 50*math.Cos(2*math.Pi*t/4)
		sets[i] = SynthesizePushupPose(elbow, d.width, d.height)
	}
	return sets, nil
}

// SynthesizePushupPose builds a plausible side-view push-up keypoint set with
// the given elbow angle, in pixel coordinates for a w x h image. Shared with
// tests that need controllable streams.
func SynthesizePushupPose(elbowDeg, w, h float64) core.KeypointSet {
	arm := 0.16 * h
	rad := elbowDeg * math.Pi / 180

	// Forearm planted vertically; the shoulder swings around the elbow so the
	// angle at the elbow equals elbowDeg.
	wrist := core.Point{0.42 * w, 0.82 * h}
	elbow := core.Point{wrist[0], wrist[1] - arm}
	shoulder := core.Point{elbow[0] + arm*math.Sin(rad), elbow[1] + arm*math.Cos(rad)}

	// Plank line from the shoulder back through hip, knee, ankle.
	hip := core.Point{shoulder[0] + 0.22*w, shoulder[1] + 0.04*h}
	knee := core.Point{hip[0] + 0.12*w, hip[1] + 0.05*h}
	ankle := core.Point{knee[0] + 0.11*w, knee[1] + 0.05*h}
	nose := core.Point{shoulder[0] - 0.05*w, shoulder[1] - 0.02*h}

	set := core.KeypointSet{}
	put := func(name string, p core.Point, vis float64) {
		set[name] = core.Keypoint{X: p[0], Y: p[1], Vis: vis}
	}

	put("Nose", nose, 0.9)
	put("Left Eye", core.Point{nose[0] + 0.005*w, nose[1] - 0.01*h}, 0.8)
	put("Right Eye", core.Point{nose[0] - 0.005*w, nose[1] - 0.01*h}, 0.6)
	put("Left Ear", core.Point{nose[0] + 0.015*w, nose[1]}, 0.7)
	put("Right Ear", core.Point{nose[0] - 0.015*w, nose[1]}, 0.5)
	for _, side := range []string{"Left ", "Right "} {
		put(side+"Shoulder", shoulder, 0.95)
		put(side+"Elbow", elbow, 0.95)
		put(side+"Wrist", wrist, 0.95)
		put(side+"Hip", hip, 0.9)
		put(side+"Knee", knee, 0.9)
		put(side+"Ankle", ankle, 0.85)
	}
	return set
}
