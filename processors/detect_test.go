package processors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posecoach/config"
	"posecoach/core"
)

func namedFrames(n int) []core.Frame {
	frames := make([]core.Frame, n)
	for i := range frames {
		frames[i] = core.Frame{
			Index:        i,
			TimestampSec: float64(i) / 10.0,
			Path:         fmt.Sprintf("/tmp/frames/frame_%05d.jpg", i+1),
		}
	}
	return frames
}

type stubDetector struct {
	name    string
	batches int
	fail    bool
	empty   bool
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) DetectBatch(_ context.Context, paths []string) ([]core.KeypointSet, error) {
	d.batches++
	if d.fail {
		return nil, errors.New("backend down")
	}
	out := make([]core.KeypointSet, len(paths))
	for i := range out {
		if d.empty {
			out[i] = core.KeypointSet{}
		} else {
			out[i] = SynthesizePushupPose(120, 1920, 1080)
		}
	}
	return out, nil
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) CacheHit()  { o.hits++ }
func (o *countingObserver) CacheMiss() { o.misses++ }

func TestDetectPosesBatchesInOrder(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 8
	det := &stubDetector{name: "stub"}
	frames := namedFrames(20)

	out, err := DetectPoses(context.Background(), cfg, det, nil, nil, "video.mp4", frames)
	require.NoError(t, err)
	require.Len(t, out, 20)
	assert.Equal(t, 3, det.batches, "20 frames in batches of 8")
	for i, pf := range out {
		assert.Equal(t, i, pf.Index)
		assert.False(t, pf.Keypoints.AllMissing())
	}
}

func TestDetectPosesMockDetectorRecoverFrameIndex(t *testing.T) {
	cfg := config.Default()
	det := NewMockDetector()
	frames := namedFrames(40)

	out, err := DetectPoses(context.Background(), cfg, det, nil, nil, "video.mp4", frames)
	require.NoError(t, err)

	// The mock swings the elbow with one rep every four seconds; frame 20
	// (t=2s) is the bottom regardless of batch boundaries.
	bottom := out[20].Keypoints
	s, _ := bottom.Point("Left Shoulder")
	e, _ := bottom.Point("Left Elbow")
	w, _ := bottom.Point("Left Wrist")
	assert.InDelta(t, 70, core.Angle(s, e, w), 2)
}

func TestDetectPosesTooManyMissingIsDetectionError(t *testing.T) {
	cfg := config.Default()
	det := &stubDetector{name: "stub", empty: true}
	frames := namedFrames(10)

	_, err := DetectPoses(context.Background(), cfg, det, nil, nil, "video.mp4", frames)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDetection))
}

func TestDetectPosesFailedBatchDegrades(t *testing.T) {
	cfg := config.Default()
	det := &stubDetector{name: "stub", fail: true}
	frames := namedFrames(10)

	// Every batch fails -> everything missing -> detection error overall.
	_, err := DetectPoses(context.Background(), cfg, det, nil, nil, "video.mp4", frames)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDetection))
}

func TestDetectPosesCancellation(t *testing.T) {
	cfg := config.Default()
	det := &stubDetector{name: "stub"}
	frames := namedFrames(10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DetectPoses(ctx, cfg, det, nil, nil, "video.mp4", frames)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCancelled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectPosesCacheRoundTrip(t *testing.T) {
	cfg := config.Default()
	det := &stubDetector{name: "stub"}
	cache := NewDetectionCache(4, 60)
	obs := &countingObserver{}

	video := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0o644))

	frames := namedFrames(12)

	first, err := DetectPoses(context.Background(), cfg, det, cache, obs, video, frames)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 0, obs.hits)
	batchesAfterFirst := det.batches

	second, err := DetectPoses(context.Background(), cfg, det, cache, obs, video, frames)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, batchesAfterFirst, det.batches, "cache hit skips inference")
	require.Len(t, second, len(first))
	for i := range second {
		assert.Equal(t, len(first[i].Keypoints), len(second[i].Keypoints))
	}
}

func TestDetectionCacheChunksLargePayload(t *testing.T) {
	// A 1 MB cache caps single entries at 1 KB; a whole-video keypoint payload
	// is far bigger and must round-trip through the chunked entries.
	cache := NewDetectionCache(1, 60)

	sets := make([]core.KeypointSet, 100)
	for i := range sets {
		sets[i] = SynthesizePushupPose(120, 1920, 1080)
	}
	key := []byte("clip-digest")

	cache.Put(key, sets)
	got, ok := cache.Get(key)
	require.True(t, ok, "large payload must survive the round trip")
	require.Len(t, got, len(sets))
	assert.Equal(t, sets[0], got[0])
	assert.Equal(t, sets[99], got[99])

	_, ok = cache.Get([]byte("unknown"))
	assert.False(t, ok)
}

func TestDetectionCacheKeyChangesWithInputs(t *testing.T) {
	cache := NewDetectionCache(1, 60)
	video := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("content-a"), 0o644))

	k1, err := cache.Key(video, 10, "mock")
	require.NoError(t, err)
	k2, err := cache.Key(video, 5, "mock")
	require.NoError(t, err)
	k3, err := cache.Key(video, 10, "script")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2, "fps is part of the key")
	assert.NotEqual(t, k1, k3, "backend is part of the key")

	require.NoError(t, os.WriteFile(video, []byte("content-b"), 0o644))
	k4, err := cache.Key(video, 10, "mock")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "content is part of the key")
}

func TestNewDetectorFallsBackToMock(t *testing.T) {
	cfg := config.Default()
	cfg.PoseBackend = "api"
	cfg.APIKey = ""
	det := NewDetector(cfg)
	assert.Equal(t, "mock", det.Name())

	cfg.PoseBackend = "mock"
	assert.Equal(t, "mock", NewDetector(cfg).Name())
}
