package processors

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/coocood/freecache"
	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
)

// PoseDetector annotates a batch of frame images with keypoint sets. The
// output slice is aligned with the input paths; a frame where no person was
// found carries an all-missing (empty) set. Implementations must be safe for
// concurrent use, the handle is shared across requests.
type PoseDetector interface {
	Name() string
	DetectBatch(ctx context.Context, imagePaths []string) ([]core.KeypointSet, error)
}

// NewDetector picks the backend from cfg.PoseBackend. A backend that cannot
// be constructed degrades to the mock detector so offline development keeps
// working; the degradation is logged.
func NewDetector(cfg config.Config) PoseDetector {
	switch cfg.PoseBackend {
	case "script":
		d, err := NewScriptDetector(cfg.PoseModel, cfg.PoseScript)
		if err != nil {
			log.Warnf("detect: script backend unavailable (%s), falling back to mock", err)
			return NewMockDetector()
		}
		return d
	case "api":
		if cfg.APIKey == "" {
			log.Warn("detect: api backend selected but no api key configured, falling back to mock")
			return NewMockDetector()
		}
		return NewAPIDetector(cfg)
	default:
		return NewMockDetector()
	}
}

// DetectionCache memoizes per-video detection runs so re-analysis of the
// same upload skips inference. freecache caps a single entry at 1/1024 of
// the cache size, well under a whole-video keypoint payload, so entries are
// split into chunks with a small header written last.
type DetectionCache struct {
	cache      *freecache.Cache
	ttlSec     int
	chunkBytes int
}

func NewDetectionCache(sizeMB, ttlSec int) *DetectionCache {
	if sizeMB < 1 {
		sizeMB = 1
	}
	return &DetectionCache{
		cache:      freecache.NewCache(sizeMB * 1024 * 1024),
		ttlSec:     ttlSec,
		chunkBytes: sizeMB * 512, // half the per-entry limit
	}
}

// Key hashes the video content plus the sampling rate and backend name, so a
// re-encoded or re-sampled upload never hits a stale entry.
func (c *DetectionCache) Key(videoPath string, fps int, backend string) ([]byte, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	fmt.Fprintf(h, "|%d|%s", fps, backend)
	return h.Sum(nil), nil
}

func (c *DetectionCache) Get(key []byte) ([]core.KeypointSet, bool) {
	header, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	var chunks, total int
	if _, err := fmt.Sscanf(string(header), "%d|%d", &chunks, &total); err != nil || chunks < 1 {
		return nil, false
	}
	raw := make([]byte, 0, total)
	for i := 0; i < chunks; i++ {
		part, err := c.cache.Get(chunkKey(key, i))
		if err != nil {
			return nil, false
		}
		raw = append(raw, part...)
	}
	if len(raw) != total {
		return nil, false
	}
	var sets []core.KeypointSet
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, false
	}
	return sets, true
}

func (c *DetectionCache) Put(key []byte, sets []core.KeypointSet) {
	raw, err := json.Marshal(sets)
	if err != nil {
		return
	}
	chunks := (len(raw) + c.chunkBytes - 1) / c.chunkBytes
	if chunks < 1 {
		chunks = 1
	}
	for i := 0; i < chunks; i++ {
		lo := i * c.chunkBytes
		hi := lo + c.chunkBytes
		if hi > len(raw) {
			hi = len(raw)
		}
		if err := c.cache.Set(chunkKey(key, i), raw[lo:hi], c.ttlSec); err != nil {
			log.Debugf("detect: cache set skipped: %s", err)
			return
		}
	}
	// The header goes in last so a partial write never reads back as a hit.
	header := fmt.Sprintf("%d|%d", chunks, len(raw))
	if err := c.cache.Set(key, []byte(header), c.ttlSec); err != nil {
		log.Debugf("detect: cache set skipped: %s", err)
	}
}

func chunkKey(key []byte, i int) []byte {
	return []byte(fmt.Sprintf("%x|%d", key, i))
}

// CacheObserver receives detection cache hit/miss notifications.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// DetectPoses runs stage 2: frames go to the detector in fixed-size batches,
// output order matches input order, cancellation is honored at batch
// boundaries. DetectionError is raised when more than 80% of frames end up
// with no usable detection.
func DetectPoses(ctx context.Context, cfg config.Config, det PoseDetector, cache *DetectionCache, obs CacheObserver, videoPath string, frames []core.Frame) ([]core.PoseFrame, error) {
	const stage = "detect"

	var cacheKey []byte
	if cache != nil {
		key, err := cache.Key(videoPath, cfg.ExtractFPS, det.Name())
		if err == nil {
			cacheKey = key
			if sets, ok := cache.Get(key); ok && len(sets) == len(frames) {
				log.Debugf("detect: cache hit for %s", filepath.Base(videoPath))
				if obs != nil {
					obs.CacheHit()
				}
				return assemblePoseFrames(frames, sets), nil
			}
		}
		if obs != nil {
			obs.CacheMiss()
		}
	}

	sets := make([]core.KeypointSet, len(frames))
	batch := cfg.BatchSize
	for start := 0; start < len(frames); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, core.CancelledError(stage, err)
		}
		end := start + batch
		if end > len(frames) {
			end = len(frames)
		}
		paths := make([]string, 0, end-start)
		for _, f := range frames[start:end] {
			paths = append(paths, f.Path)
		}

		out, err := det.DetectBatch(ctx, paths)
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.CancelledError(stage, ctx.Err())
			}
			// A failed batch degrades to all-missing frames; the 80% guard
			// below decides whether the run as a whole is still usable.
			log.Warnf("detect: batch %d-%d failed: %s", start, end-1, err)
			out = make([]core.KeypointSet, end-start)
		}
		if len(out) != end-start {
			return nil, core.DetectionErrorf(stage, "backend returned %d results for %d frames", len(out), end-start)
		}
		copy(sets[start:end], out)
	}

	missing := 0
	for i, s := range sets {
		if s == nil {
			sets[i] = core.KeypointSet{}
		}
		if sets[i].AllMissing() {
			missing++
		}
	}
	if len(frames) > 0 && float64(missing) > 0.8*float64(len(frames)) {
		return nil, core.DetectionErrorf(stage, "no valid detection on %d of %d frames", missing, len(frames))
	}

	if cache != nil && cacheKey != nil {
		cache.Put(cacheKey, sets)
	}
	return assemblePoseFrames(frames, sets), nil
}

func assemblePoseFrames(frames []core.Frame, sets []core.KeypointSet) []core.PoseFrame {
	out := make([]core.PoseFrame, len(frames))
	for i, f := range frames {
		out[i] = core.PoseFrame{Frame: f, Keypoints: sets[i].Clone()}
	}
	return out
}

// poseScript is the YOLO helper materialized for the script backend. It reads
// image paths from argv, keeps the largest-box person per image, and prints
// one JSON record (or null) per image in input order.
const poseScript = `#!/usr/bin/env python3
import json
import sys

from ultralytics import YOLO


def main():
    model_path = sys.argv[1]
    paths = sys.argv[2:]
    model = YOLO(model_path)
    results = model(paths, verbose=False)

    out = []
    for r in results:
        if r.keypoints is None or r.boxes is None or len(r.boxes) == 0:
            out.append(None)
            continue
        areas = (r.boxes.xywh[:, 2] * r.boxes.xywh[:, 3]).tolist()
        best = max(range(len(areas)), key=lambda i: areas[i])
        xy = r.keypoints.xy[best].tolist()
        conf = r.keypoints.conf[best].tolist() if r.keypoints.conf is not None else [0.0] * len(xy)
        out.append({
            "points": [[float(x), float(y), float(c)] for (x, y), c in zip(xy, conf)],
        })
    print(json.dumps(out))


if __name__ == "__main__":
    main()
`

// ScriptDetector shells out to a Python YOLO helper per batch, JSON over
// stdout. The helper is materialized to the temp dir on construction unless
// an explicit script path is configured.
type ScriptDetector struct {
	scriptPath string
	modelPath  string
}

func NewScriptDetector(modelPath, scriptPath string) (*ScriptDetector, error) {
	if _, err := exec.LookPath("python"); err != nil {
		if _, err2 := exec.LookPath("python3"); err2 != nil {
			return nil, fmt.Errorf("python not found in PATH: %w", err)
		}
	}
	if scriptPath == "" {
		scriptPath = filepath.Join(os.TempDir(), "posecoach_pose_detect.py")
		if err := os.WriteFile(scriptPath, []byte(poseScript), 0o644); err != nil {
			return nil, fmt.Errorf("materialize pose script: %w", err)
		}
	}
	return &ScriptDetector{scriptPath: scriptPath, modelPath: modelPath}, nil
}

func (d *ScriptDetector) Name() string { return "script" }

type scriptDetection struct {
	Points [][3]float64 `json:"points"`
}

func (d *ScriptDetector) DetectBatch(ctx context.Context, imagePaths []string) ([]core.KeypointSet, error) {
	python := "python"
	if _, err := exec.LookPath(python); err != nil {
		python = "python3"
	}

	args := append([]string{d.scriptPath, d.modelPath}, imagePaths...)
	cmd := exec.CommandContext(ctx, python, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pose script failed: %w", err)
	}

	var raw []*scriptDetection
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("parse pose script output: %w", err)
	}
	if len(raw) != len(imagePaths) {
		return nil, fmt.Errorf("pose script returned %d records for %d images", len(raw), len(imagePaths))
	}

	sets := make([]core.KeypointSet, len(raw))
	for i, det := range raw {
		sets[i] = keypointSetFromPoints(det)
	}
	return sets, nil
}

func keypointSetFromPoints(det *scriptDetection) core.KeypointSet {
	if det == nil || len(det.Points) == 0 {
		return core.KeypointSet{}
	}
	set := make(core.KeypointSet, len(core.CocoJoints))
	for i, name := range core.CocoJoints {
		if i >= len(det.Points) {
			break
		}
		p := det.Points[i]
		set[name] = core.Keypoint{X: p[0], Y: p[1], Vis: p[2]}
	}
	return set
}
