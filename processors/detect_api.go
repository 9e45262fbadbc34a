package processors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
)

// APIDetector sends frames to an OpenAI-compatible vision endpoint and asks
// for strict-JSON keypoints. It is the remote sibling of the script backend
// for hosts without a local GPU; per-frame failures degrade to all-missing
// sets instead of failing the batch.
type APIDetector struct {
	client *openai.Client
	model  string
}

func NewAPIDetector(cfg config.Config) *APIDetector {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBaseURL != "" {
		clientConfig.BaseURL = cfg.APIBaseURL
	}
	return &APIDetector{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.APIModel,
	}
}

func (d *APIDetector) Name() string { return "api" }

const apiPosePrompt = `Locate the most prominent person in the image and return their 2D pose
as strict JSON, no prose: {"points": [[x, y, confidence], ...]} with exactly 17
entries in COCO order (nose, left eye, right eye, left ear, right ear, left
shoulder, right shoulder, left elbow, right elbow, left wrist, right wrist,
left hip, right hip, left knee, right knee, left ankle, right ankle).
Coordinates are pixels, confidence is 0..1. If no person is visible return
{"points": []}.`

func (d *APIDetector) DetectBatch(ctx context.Context, imagePaths []string) ([]core.KeypointSet, error) {
	sets := make([]core.KeypointSet, len(imagePaths))
	for i, path := range imagePaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set, err := d.detectOne(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debugf("detect: api frame %s: %s", path, err)
			set = core.KeypointSet{}
		}
		sets[i] = set
	}
	return sets, nil
}

func (d *APIDetector) detectOne(ctx context.Context, imagePath string) (core.KeypointSet, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)

	req := openai.ChatCompletionRequest{
		Model: d.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: apiPosePrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
		MaxTokens:   512,
		Temperature: 0,
	}

	resp, err := d.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var det scriptDetection
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &det); err != nil {
		return nil, fmt.Errorf("parse vision response: %w", err)
	}
	if len(det.Points) != 0 && len(det.Points) != len(core.CocoJoints) {
		return nil, fmt.Errorf("vision response has %d points, want %d", len(det.Points), len(core.CocoJoints))
	}
	return keypointSetFromPoints(&det), nil
}
