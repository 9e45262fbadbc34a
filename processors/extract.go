package processors

import (
	"context"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/utils"
)

// Container extensions the extractor accepts.
var supportedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
}

// SupportedVideo reports whether the file extension is an accepted container.
func SupportedVideo(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ExtractResult is stage 1 output: the probed source parameters and the
// sampled frames in index order.
type ExtractResult struct {
	Info   core.VideoInfo
	Frames []core.Frame
}

// Extract decodes videoPath at cfg.ExtractFPS into framesDir and returns the
// ordered frame list. ffmpeg's fps filter implements the selection rule
// (source frame i is kept iff floor(i*target/source) advances); timestamps
// follow the output index, ts = idx / extract_fps.
func Extract(ctx context.Context, cfg config.Config, videoPath, framesDir string) (*ExtractResult, error) {
	const stage = "extract"

	if !SupportedVideo(videoPath) {
		return nil, core.InputErrorf(stage, "unsupported video extension %q", filepath.Ext(videoPath))
	}
	if !utils.FileExists(videoPath) {
		return nil, core.InputErrorf(stage, "video file %s does not exist", videoPath)
	}

	info, err := utils.ProbeVideo(ctx, videoPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.CancelledError(stage, ctx.Err())
		}
		return nil, core.WrapError(core.KindInput, stage, "probe failed", err)
	}
	if info.Duration <= 0 {
		return nil, core.InputErrorf(stage, "video %s has zero duration", videoPath)
	}

	hwArgs := utils.HardwareAccelArgs(utils.DetectGPUType())
	paths, err := utils.ExtractFrames(ctx, videoPath, framesDir, cfg.ExtractFPS, hwArgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.CancelledError(stage, ctx.Err())
		}
		// Hardware decode is best-effort; retry on the CPU before giving up.
		if len(hwArgs) > 0 {
			log.Warnf("extract: hardware decode failed (%s), retrying on cpu", err)
			paths, err = utils.ExtractFrames(ctx, videoPath, framesDir, cfg.ExtractFPS, nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.CancelledError(stage, ctx.Err())
			}
			return nil, core.WrapError(core.KindDecode, stage, "frame extraction failed", err)
		}
	}

	expected := int(info.Duration * float64(cfg.ExtractFPS))
	if expected < 1 {
		expected = 1
	}
	if len(paths) == 0 || len(paths)*2 < expected {
		return nil, core.DecodeErrorf(stage, "decoded %d of ~%d expected frames", len(paths), expected)
	}
	if len(paths) < expected {
		log.Warnf("extract: decoded %d of ~%d expected frames, continuing", len(paths), expected)
	}

	frames := make([]core.Frame, len(paths))
	for i, p := range paths {
		frames[i] = core.Frame{
			Index:        i,
			TimestampSec: float64(i) / float64(cfg.ExtractFPS),
			Path:         p,
		}
	}

	log.Debugf("extract: %s -> %d frames at %d fps (source %.2f fps, %.1fs)",
		filepath.Base(videoPath), len(frames), cfg.ExtractFPS, info.FPS, info.Duration)

	return &ExtractResult{Info: info, Frames: frames}, nil
}
