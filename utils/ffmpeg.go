package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"posecoach/core"
)

// FramePattern is the ffmpeg output template for extracted frames; frame
// numbering starts at 1, analysis indices start at 0.
const FramePattern = "frame_%05d.jpg"

// RunFFmpeg executes ffmpeg with the given arguments, honoring ctx.
func RunFFmpeg(ctx context.Context, args []string) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w\noutput: %s", err, string(output))
	}
	return nil
}

// ExtractFrames decodes videoPath at the target rate into framesDir using
// ffmpeg's fps filter, which keeps source frame i iff
// floor(i*target/source) advances. Returns the ordered frame paths.
func ExtractFrames(ctx context.Context, videoPath, framesDir string, fps int, hwAccelArgs []string) ([]string, error) {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	args := []string{"-y"}
	args = append(args, hwAccelArgs...)
	args = append(args,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-q:v", "2",
		filepath.Join(framesDir, FramePattern),
	)

	if err := RunFFmpeg(ctx, args); err != nil {
		return nil, err
	}
	return ListFrames(framesDir)
}

// ListFrames returns the extracted frame files in index order.
func ListFrames(framesDir string) ([]string, error) {
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".jpg") {
			paths = append(paths, filepath.Join(framesDir, name))
		}
	}
	// ReadDir sorts lexically; the zero-padded pattern makes that index order.
	return paths, nil
}

type probeStream struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	NBFrames     string `json:"nb_frames"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// ProbeVideo reads duration, resolution and frame rate of the first video
// stream via ffprobe.
func ProbeVideo(ctx context.Context, path string) (core.VideoInfo, error) {
	var info core.VideoInfo

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return info, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames",
		"-show_entries", "format=duration",
		"-print_format", "json",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return info, ctx.Err()
		}
		return info, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var probed probeOutput
	if err := json.Unmarshal(out.Bytes(), &probed); err != nil {
		return info, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probed.Streams) == 0 {
		return info, fmt.Errorf("no video stream in %s", path)
	}

	stream := probed.Streams[0]
	info.Width = stream.Width
	info.Height = stream.Height
	info.FPS = parseRational(stream.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRational(stream.RFrameRate)
	}
	info.Duration, _ = strconv.ParseFloat(strings.TrimSpace(probed.Format.Duration), 64)
	if n, err := strconv.Atoi(strings.TrimSpace(stream.NBFrames)); err == nil {
		info.TotalFrames = n
	} else if info.FPS > 0 {
		info.TotalFrames = int(info.Duration * info.FPS)
	}

	return info, nil
}

// parseRational turns ffprobe's "30000/1001" style rate into a float.
func parseRational(r string) float64 {
	parts := strings.SplitN(strings.TrimSpace(r), "/", 2)
	if len(parts) == 1 {
		v, _ := strconv.ParseFloat(parts[0], 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// DetectGPUType probes for usable decode acceleration, "cpu" when none.
func DetectGPUType() string {
	if commandWorks("nvidia-smi") {
		return "nvidia"
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
			return "vaapi"
		}
	}
	if runtime.GOOS == "darwin" {
		return "videotoolbox"
	}
	return "cpu"
}

// HardwareAccelArgs maps a GPU type to ffmpeg decode flags.
func HardwareAccelArgs(gpuType string) []string {
	switch strings.ToLower(gpuType) {
	case "nvidia", "cuda":
		return []string{"-hwaccel", "cuda"}
	case "vaapi":
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case "videotoolbox":
		return []string{"-hwaccel", "videotoolbox"}
	default:
		return nil
	}
}

func commandWorks(name string, args ...string) bool {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
