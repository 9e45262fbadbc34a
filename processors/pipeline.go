package processors

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

// Observer receives pipeline telemetry. metrics.Manager implements it; tests
// and library embedders can pass NopObserver.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	CacheHit()
	CacheMiss()
}

type NopObserver struct{}

func (NopObserver) ObserveStage(string, time.Duration) {}
func (NopObserver) CacheHit()                          {}
func (NopObserver) CacheMiss()                         {}

// Request is one analysis job. At most one of ReferencePath (a model video to
// digest on the fly) or Reference (a stored digest) may be set. When neither
// is set and ReferenceLookup is non-nil, the pipeline asks it for the stored
// digest closest to the analyzed video's feature centroid; otherwise no DTW.
type Request struct {
	VideoPath       string
	Exercise        string
	Grip            string
	ReferencePath   string
	Reference       *core.Reference
	ReferenceLookup func(ctx context.Context, centroid []float32) (*core.Reference, error)
	Workspace       *core.Workspace
}

// Pipeline is the long-lived analysis engine. The detector handle and the
// detection cache are shared across requests; everything per-request lives in
// the request's workspace.
type Pipeline struct {
	cfg      config.Config
	registry *profiles.Registry
	detector PoseDetector
	cache    *DetectionCache
	obs      Observer
}

func NewPipeline(cfg config.Config, registry *profiles.Registry, detector PoseDetector, obs Observer) *Pipeline {
	if obs == nil {
		obs = NopObserver{}
	}
	var cache *DetectionCache
	if cfg.CacheEnabled {
		cache = NewDetectionCache(cfg.CacheSizeMB, cfg.CacheTTLSec)
	}
	return &Pipeline{cfg: cfg, registry: registry, detector: detector, cache: cache, obs: obs}
}

func (p *Pipeline) Config() config.Config { return p.cfg }

// WithExtractFPS returns a shallow copy sampling at the given rate. The
// detector and cache stay shared with the parent pipeline.
func (p *Pipeline) WithExtractFPS(fps int) *Pipeline {
	clone := *p
	clone.cfg.ExtractFPS = fps
	return &clone
}

// stageRun is the stage-1..5 intermediate shared by analysis and reference
// generation.
type stageRun struct {
	info   core.VideoInfo
	frames []core.PoseFrame
	cond   *Conditioned
	seg    *Segmentation
	phases *PhaseResult
}

func (p *Pipeline) runStages(ctx context.Context, profile *profiles.Profile, videoPath, framesDir string) (*stageRun, error) {
	timed := func(stage string, start time.Time) {
		p.obs.ObserveStage(stage, time.Since(start))
	}

	start := time.Now()
	ext, err := Extract(ctx, p.cfg, videoPath, framesDir)
	if err != nil {
		return nil, err
	}
	timed("extract", start)

	start = time.Now()
	poseFrames, err := DetectPoses(ctx, p.cfg, p.detector, p.cache, p.obs, videoPath, ext.Frames)
	if err != nil {
		return nil, err
	}
	timed("detect", start)

	if err := ctx.Err(); err != nil {
		return nil, core.CancelledError("condition", err)
	}

	start = time.Now()
	cond := Condition(p.cfg, profile, poseFrames, ext.Info)
	timed("condition", start)

	start = time.Now()
	seg := Segment(p.cfg, profile, cond)
	timed("segment", start)

	start = time.Now()
	phases := TrackPhases(p.cfg, profile, cond, seg)
	timed("phase", start)

	return &stageRun{info: ext.Info, frames: poseFrames, cond: cond, seg: seg, phases: phases}, nil
}

// Analyze runs the full pipeline for one request. On InsufficientMotion the
// returned report is still populated (warning-level, zero reps) alongside the
// typed error so callers can decide what to surface. On every other error the
// report is nil and, on cancellation, the workspace is removed.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (*core.Report, error) {
	profile, grip, err := p.resolveProfile(req.Exercise, req.Grip)
	if err != nil {
		return nil, err
	}

	run, err := p.runStages(ctx, profile, req.VideoPath, req.Workspace.FramesDir())
	if err != nil {
		if core.IsKind(err, core.KindCancelled) {
			if rmErr := req.Workspace.Remove(); rmErr != nil {
				log.Warnf("pipeline: remove workspace after cancel: %s", rmErr)
			}
		}
		return nil, err
	}

	report := p.baseReport(req, profile, grip, run)

	if run.phases.Count < 1 {
		report.Warning = "no complete repetition detected"
		if err := core.SaveJSON(req.Workspace.ReportPath(), report); err != nil {
			log.Warnf("pipeline: save warning report: %s", err)
		}
		return report, core.InsufficientMotionErrorf("phase", "found %d complete reps", run.phases.Count)
	}

	// Stage 7 is independent of scoring; run it alongside stage 6.
	dtwCh := make(chan *core.DTWResult, 1)
	go func() {
		dtwCh <- p.scoreAgainstReference(ctx, req, profile, run)
	}()

	start := time.Now()
	frameScores := Evaluate(p.cfg, profile, run.cond, run.seg, run.phases)
	p.obs.ObserveStage("evaluate", time.Since(start))

	dtwResult := <-dtwCh

	if err := ctx.Err(); err != nil {
		if rmErr := req.Workspace.Remove(); rmErr != nil {
			log.Warnf("pipeline: remove workspace after cancel: %s", rmErr)
		}
		return nil, core.CancelledError("assemble", err)
	}

	avg, perPhase := Aggregate(frameScores)
	if frameScores != nil {
		report.FrameScores = frameScores
	}
	report.ErrorFrames = ErrorFrames(frameScores)
	if report.ErrorFrames == nil {
		report.ErrorFrames = []core.FrameScore{}
	}
	report.ScoredFrameCount = len(frameScores)
	report.AvgScore = avg
	report.PhaseAvgScores = perPhase
	report.Grade = GradeFor(avg, dtwResult)
	report.DTWActive = dtwResult != nil
	report.DTWResult = dtwResult

	if err := core.SaveJSON(req.Workspace.ReportPath(), report); err != nil {
		log.Warnf("pipeline: save report: %s", err)
	}
	return report, nil
}

func (p *Pipeline) baseReport(req Request, profile *profiles.Profile, grip string, run *stageRun) *core.Report {
	return &core.Report{
		AnalysisID:   req.Workspace.ID,
		VideoName:    filepath.Base(req.VideoPath),
		ExerciseType: profile.Name,
		GripType:     grip,

		Duration:    run.info.Duration,
		FPS:         p.cfg.ExtractFPS,
		TotalFrames: len(run.frames),
		Resolution:  [2]int{run.info.Width, run.info.Height},

		ExerciseCount:  run.phases.Count,
		PhaseAvgScores: map[string]float64{},

		FrameScores: []core.FrameScore{},
		ErrorFrames: []core.FrameScore{},
		Keypoints:   run.cond.Frames,

		SelectedFrameIndices: append([]int{}, run.seg.Selected...),
		AnalyzedFrameCount:   len(run.frames),
		FilteredOutCount:     len(run.frames) - len(run.seg.Selected),
		SuccessCount:         run.cond.SuccessCount,
		Filtering:            run.seg.Filtering,
	}
}

// scoreAgainstReference resolves the reference (inline digest or model
// video) and runs the DTW stage. Every failure here degrades to a nil result
// and a log line, never to a request failure.
func (p *Pipeline) scoreAgainstReference(ctx context.Context, req Request, profile *profiles.Profile, run *stageRun) *core.DTWResult {
	ref := req.Reference
	if ref == nil && req.ReferencePath != "" {
		built, err := p.buildReference(ctx, profile, req.ReferencePath, req.Workspace.Path("reference_frames"), "inline")
		if err != nil {
			log.Warnf("dtw: reference video unusable, skipping: %s", err)
			return nil
		}
		ref = built
	}
	if ref == nil && req.ReferenceLookup != nil {
		centroid := FeatureCentroid(FrameFeatures(profile, run.cond, run.seg.Selected))
		found, err := req.ReferenceLookup(ctx, centroid)
		if err != nil {
			log.Warnf("dtw: reference lookup failed, skipping: %s", err)
			return nil
		}
		ref = found
	}
	if ref == nil {
		return nil
	}
	if ref.Exercise != profile.Name {
		log.Warnf("dtw: reference is for %s, request is %s, skipping", ref.Exercise, profile.Name)
		return nil
	}

	start := time.Now()
	result := ScoreDTW(p.cfg, profile, run.cond, run.seg, run.phases, ref)
	p.obs.ObserveStage("dtw", time.Since(start))
	return result
}

func (p *Pipeline) buildReference(ctx context.Context, profile *profiles.Profile, videoPath, framesDir, name string) (*core.Reference, error) {
	run, err := p.runStages(ctx, profile, videoPath, framesDir)
	if err != nil {
		return nil, err
	}
	if run.phases.Count == 0 {
		return nil, core.InsufficientMotionErrorf("reference", "reference video has no complete reps")
	}
	return BuildReference(profile, run.cond, run.seg, run.phases, run.info, p.cfg.ExtractFPS, name), nil
}

// GenerateReference digests a model video for the reference library.
func (p *Pipeline) GenerateReference(ctx context.Context, videoPath, exercise, grip, name string, ws *core.Workspace) (*core.Reference, error) {
	profile, _, err := p.resolveProfile(exercise, grip)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(videoPath)
	}
	return p.buildReference(ctx, profile, videoPath, ws.FramesDir(), name)
}

// resolveProfile looks the exercise up and applies the grip's rule band
// overrides. Unknown exercise or grip is an InputError.
func (p *Pipeline) resolveProfile(exercise, grip string) (*profiles.Profile, string, error) {
	profile, err := p.registry.Get(exercise)
	if err != nil {
		return nil, "", core.WrapError(core.KindInput, "profile", "unknown exercise", err)
	}
	canonical, err := profiles.CanonicalGrip(grip)
	if err != nil {
		return nil, "", core.WrapError(core.KindInput, "profile", "unknown grip", err)
	}
	resolved, used, err := profile.ForGrip(canonical)
	if err != nil {
		return nil, "", core.WrapError(core.KindInput, "profile", "grip not available", err)
	}
	return resolved, used, nil
}
