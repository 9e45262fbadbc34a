package core

import (
	"math"
	"time"
)

// VisibilityThreshold is the detector confidence below which a keypoint is
// treated as missing for geometry. The raw value is still kept in the report.
const VisibilityThreshold = 0.3

// The 17 COCO keypoint names emitted by the pose detector.
var CocoJoints = []string{
	"Nose",
	"Left Eye", "Right Eye",
	"Left Ear", "Right Ear",
	"Left Shoulder", "Right Shoulder",
	"Left Elbow", "Right Elbow",
	"Left Wrist", "Right Wrist",
	"Left Hip", "Right Hip",
	"Left Knee", "Right Knee",
	"Left Ankle", "Right Ankle",
}

// Virtual joints derived by the signal conditioner (midpoints).
const (
	JointNeck    = "Neck"    // shoulders midpoint
	JointWaist   = "Waist"   // hips midpoint
	JointAnkleC  = "Ankle_C" // ankles midpoint
)

type Keypoint struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Vis float64 `json:"vis"`
}

// KeypointSet maps joint name to its detected point. An empty or nil set is
// the "all missing" state and is valid everywhere downstream.
type KeypointSet map[string]Keypoint

// Visible reports whether the joint exists and clears the confidence bar.
func (s KeypointSet) Visible(joint string) bool {
	kp, ok := s[joint]
	return ok && kp.Vis >= VisibilityThreshold
}

// Point returns the joint coordinates, ok=false when missing for geometry.
func (s KeypointSet) Point(joint string) (Point, bool) {
	kp, ok := s[joint]
	if !ok || kp.Vis < VisibilityThreshold {
		return Point{}, false
	}
	return Point{kp.X, kp.Y}, true
}

// AllMissing reports whether no joint clears the visibility threshold.
func (s KeypointSet) AllMissing() bool {
	for _, kp := range s {
		if kp.Vis >= VisibilityThreshold {
			return false
		}
	}
	return true
}

// Clone returns an independent copy; stages never mutate upstream output.
func (s KeypointSet) Clone() KeypointSet {
	if s == nil {
		return nil
	}
	out := make(KeypointSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Frame is one sampled video frame. Index is the canonical ordering.
type Frame struct {
	Index        int     `json:"frame_idx"`
	TimestampSec float64 `json:"timestamp_sec"`
	Path         string  `json:"path,omitempty"`
}

// PoseFrame is a frame annotated by the pose detector.
type PoseFrame struct {
	Frame
	Keypoints KeypointSet `json:"pts"`
}

type VideoInfo struct {
	Duration    float64 `json:"duration"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"`
}

type Phase string

const (
	PhaseReady      Phase = "ready"
	PhaseDescending Phase = "descending"
	PhaseBottom     Phase = "bottom"
	PhaseAscending  Phase = "ascending"
	PhaseTop        Phase = "top"
	PhaseFinish     Phase = "finish"
)

// AngleSeries holds one scalar angle per frame for each named joint triple.
// Missing angles are NaN; MissingAngle/IsMissingAngle are the only sanctioned
// ways to produce and test them.
type AngleSeries map[string][]float64

func MissingAngle() float64 { return math.NaN() }

func IsMissingAngle(v float64) bool { return math.IsNaN(v) }

type RuleStatus string

const (
	StatusOK      RuleStatus = "ok"
	StatusWarning RuleStatus = "warning"
	StatusError   RuleStatus = "error"
)

type RuleDetail struct {
	Status   RuleStatus `json:"status"`
	Value    string     `json:"value"`
	Feedback string     `json:"feedback"`
}

// FrameScore is the evaluator verdict for one active, in-phase frame.
type FrameScore struct {
	FrameIdx int                   `json:"frame_idx"`
	Phase    Phase                 `json:"phase"`
	Score    float64               `json:"score"`
	Errors   []string              `json:"errors"`
	Details  map[string]RuleDetail `json:"details"`
}

// Filtering records how the activity segmenter reached its labeling.
type Filtering struct {
	Method         string `json:"method"`
	Reason         string `json:"reason,omitempty"`
	ActiveFrames   int    `json:"active_frames"`
	RestFrames     int    `json:"rest_frames"`
	FallbackFrames int    `json:"fallback_frames,omitempty"`
}

type JointDiff struct {
	Joint       string  `json:"joint"`
	MeanAbsDiff float64 `json:"mean_abs_diff_deg"`
}

type DTWResult struct {
	OverallScore  float64            `json:"overall_dtw_score"`
	PhaseScores   map[string]float64 `json:"phase_dtw_scores"`
	PhaseSegments map[string]int     `json:"phase_segment_counts"`
	WorstJoints   []JointDiff        `json:"worst_joints"`
}

// Report is the immutable product of one analysis.
type Report struct {
	AnalysisID   string `json:"analysis_id"`
	VideoName    string `json:"video_name"`
	ExerciseType string `json:"exercise_type"`
	GripType     string `json:"grip_type,omitempty"`

	Duration    float64 `json:"duration"`
	FPS         int     `json:"fps"`
	TotalFrames int     `json:"total_frames"`
	Resolution  [2]int  `json:"resolution"`

	ExerciseCount  int                `json:"exercise_count"`
	AvgScore       float64            `json:"avg_score"`
	PhaseAvgScores map[string]float64 `json:"phase_avg_scores"`
	Grade          string             `json:"grade"`

	FrameScores []FrameScore `json:"frame_scores"`
	ErrorFrames []FrameScore `json:"error_frames"`
	Keypoints   []PoseFrame  `json:"keypoints"`

	SelectedFrameIndices []int     `json:"selected_frame_indices"`
	AnalyzedFrameCount   int       `json:"analyzed_frame_count"`
	ScoredFrameCount     int       `json:"scored_frame_count"`
	FilteredOutCount     int       `json:"filtered_out_count"`
	SuccessCount         int       `json:"success_count"`
	Filtering            Filtering `json:"filtering"`

	Warning string `json:"warning,omitempty"`

	DTWActive bool       `json:"dtw_active"`
	DTWResult *DTWResult `json:"dtw_result"`
}

// Reference is the stage 1-5 digest of a model video: per-phase feature
// sequences plus a centroid vector used for similarity lookup in the store.
type Reference struct {
	Name        string                 `json:"name"`
	Exercise    string                 `json:"exercise_type"`
	FPS         int                    `json:"fps"`
	RepCount    int                    `json:"exercise_count"`
	Resolution  [2]int                 `json:"resolution"`
	Phases      map[string][][]float64 `json:"phases"`
	PhaseCounts map[string]int         `json:"phase_frame_counts"`
	Centroid    []float32              `json:"centroid,omitempty"`
	CreatedAt   time.Time              `json:"created_at,omitempty"`
}

// FeatureDim is the fixed width of reference centroid vectors kept in the
// store, one component per angle series of the widest builtin catalog (both
// pushup and pullup carry seven). Per-frame DTW features use the profile's
// own triple count; a catalog with fewer series zero-pads its centroid up to
// this width so one vector column fits every exercise.
const FeatureDim = 7
