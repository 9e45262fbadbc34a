package processors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posecoach/config"
	"posecoach/core"
	"posecoach/profiles"
)

func testPipeline(t *testing.T, cfg config.Config) (*Pipeline, *core.Workspace) {
	t.Helper()
	registry, err := profiles.Builtin()
	require.NoError(t, err)
	ws, err := core.NewWorkspace(t.TempDir(), "")
	require.NoError(t, err)
	return NewPipeline(cfg, registry, NewMockDetector(), nil), ws
}

func TestAnalyzeUnknownExerciseIsInputError(t *testing.T) {
	cfg := config.Default()
	p, ws := testPipeline(t, cfg)

	_, err := p.Analyze(context.Background(), Request{
		VideoPath: "clip.mp4",
		Exercise:  "situps",
		Workspace: ws,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInput))
}

func TestAnalyzeUnknownGripIsInputError(t *testing.T) {
	cfg := config.Default()
	p, ws := testPipeline(t, cfg)

	_, err := p.Analyze(context.Background(), Request{
		VideoPath: "clip.mp4",
		Exercise:  "pullup",
		Grip:      "mixed",
		Workspace: ws,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInput))
}

func TestAnalyzeUnsupportedExtensionIsInputError(t *testing.T) {
	cfg := config.Default()
	p, ws := testPipeline(t, cfg)

	_, err := p.Analyze(context.Background(), Request{
		VideoPath: "clip.txt",
		Exercise:  "pushup",
		Workspace: ws,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInput))
}

func TestResolveProfileAppliesGrip(t *testing.T) {
	cfg := config.Default()
	p, _ := testPipeline(t, cfg)

	profile, grip, err := p.resolveProfile("pull-ups", "chin-up")
	require.NoError(t, err)
	assert.Equal(t, "pullup", profile.Name)
	assert.Equal(t, "underhand", grip)

	// The underhand grip tightens the chin_over_bar band.
	for _, r := range profile.Rules {
		if r.Name == "chin_over_bar" {
			assert.Equal(t, 15.0, r.LowDeg)
			assert.Equal(t, 60.0, r.HighDeg)
		}
	}

	// Push-ups have no grips; empty passes through.
	profile, grip, err = p.resolveProfile("pushup", "")
	require.NoError(t, err)
	assert.Equal(t, "pushup", profile.Name)
	assert.Empty(t, grip)
}

func TestWithExtractFPSKeepsSharedState(t *testing.T) {
	cfg := config.Default()
	p, _ := testPipeline(t, cfg)

	clone := p.WithExtractFPS(5)
	assert.Equal(t, 5, clone.Config().ExtractFPS)
	assert.Equal(t, cfg.ExtractFPS, p.Config().ExtractFPS, "parent untouched")
	assert.Same(t, p.detector, clone.detector)
	assert.Same(t, p.cache, clone.cache)
}

func TestSupportedVideo(t *testing.T) {
	assert.True(t, SupportedVideo("a.mp4"))
	assert.True(t, SupportedVideo("A.MOV"))
	assert.True(t, SupportedVideo("b.webm"))
	assert.False(t, SupportedVideo("c.txt"))
	assert.False(t, SupportedVideo("noext"))
}
