package profiles

// Built-in catalogs for the two recognized exercises. These are data, not
// behavior: everything exercise-specific the pipeline needs (driver
// definition, rule bands, scored phases, grip variants) lives here, and an
// external TOML catalog with the same shape can replace either one.

var movingPhases = []string{"descending", "bottom", "ascending", "top"}

// Pushup returns the push-up catalog. The driver is the elbow angle, larger
// meaning extended arms at the top of the rep.
func Pushup() *Profile {
	return &Profile{
		Name: "pushup",
		Series: []Series{
			{Name: "left_elbow", Triple: Triple{A: "Left Shoulder", B: "Left Elbow", C: "Left Wrist"}},
			{Name: "right_elbow", Triple: Triple{A: "Right Shoulder", B: "Right Elbow", C: "Right Wrist"}},
			{Name: "left_body", Triple: Triple{A: "Left Shoulder", B: "Left Hip", C: "Left Knee"}},
			{Name: "right_body", Triple: Triple{A: "Right Shoulder", B: "Right Hip", C: "Right Knee"}},
			{Name: "head", Triple: Triple{A: "Nose", B: "Neck", C: "Waist"}},
			{Name: "left_leg", Triple: Triple{A: "Left Hip", B: "Left Knee", C: "Left Ankle"}},
			{Name: "right_leg", Triple: Triple{A: "Right Hip", B: "Right Knee", C: "Right Ankle"}},
		},
		Driver:       []string{"left_elbow", "right_elbow"},
		InvertDriver: false,
		ScoredPhases: movingPhases,
		Rules: []Rule{
			{
				Name: "elbow_extension", Kind: RuleAngle,
				Phases: []string{"top"},
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 160, HighDeg: 180, Weight: 0.15,
				Warn:  "Lock your arms out a little more at the top",
				Fault: "Arms never reach full extension at the top",
			},
			{
				Name: "elbow_depth", Kind: RuleAngle,
				Phases: []string{"bottom"},
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 50, HighDeg: 95, Weight: 0.3,
				Warn:  "Go a touch deeper at the bottom",
				Fault: "Not deep enough, bring your chest closer to the floor",
			},
			{
				Name: "body_line", Kind: RuleAngle,
				Phases: movingPhases,
				Series: []string{"left_body", "right_body"},
				LowDeg: 167, HighDeg: 183, Weight: 0.4,
				Warn:  "Keep your hips level with your shoulders",
				Fault: "Hips are sagging, squeeze your glutes and brace your core",
			},
			{
				Name: "head_neutral", Kind: RuleAngle,
				Phases: movingPhases,
				Series: []string{"head"},
				LowDeg: 140, HighDeg: 180, Weight: 0.15,
				Warn:  "Keep your gaze down, neck neutral",
				Fault: "Head is craning, keep your neck in line with your spine",
			},
			{
				Name: "leg_straight", Kind: RuleAngle,
				Phases: movingPhases,
				Series: []string{"left_leg", "right_leg"},
				LowDeg: 160, HighDeg: 180, Weight: 0.15,
				Warn:  "Keep your legs straight",
				Fault: "Knees are bending during the rep",
			},
			{
				Name: "elbow_symmetry", Kind: RuleSymmetry,
				Phases: movingPhases,
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 0, HighDeg: 15, Weight: 0.1,
				Warn:  "Press evenly with both arms",
				Fault: "Arms are moving asymmetrically",
			},
		},
	}
}

// Pullup returns the pull-up catalog. The driver inverts: a flexed elbow
// means the body is up. Grip variants reband the flare and chin rules.
func Pullup() *Profile {
	return &Profile{
		Name: "pullup",
		Series: []Series{
			{Name: "left_elbow", Triple: Triple{A: "Left Shoulder", B: "Left Elbow", C: "Left Wrist"}},
			{Name: "right_elbow", Triple: Triple{A: "Right Shoulder", B: "Right Elbow", C: "Right Wrist"}},
			{Name: "left_shoulder", Triple: Triple{A: "Left Elbow", B: "Left Shoulder", C: "Left Hip"}},
			{Name: "right_shoulder", Triple: Triple{A: "Right Elbow", B: "Right Shoulder", C: "Right Hip"}},
			{Name: "head", Triple: Triple{A: "Nose", B: "Neck", C: "Waist"}},
			{Name: "left_body", Triple: Triple{A: "Left Shoulder", B: "Left Hip", C: "Left Knee"}},
			{Name: "right_body", Triple: Triple{A: "Right Shoulder", B: "Right Hip", C: "Right Knee"}},
		},
		Driver:       []string{"left_elbow", "right_elbow"},
		InvertDriver: true,
		ScoredPhases: movingPhases,
		DefaultGrip:  "overhand",
		Rules: []Rule{
			{
				Name: "dead_hang", Kind: RuleAngle,
				Phases: []string{"bottom"},
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 150, HighDeg: 180, Weight: 0.2,
				Warn:  "Extend your arms fully at the bottom",
				Fault: "Dead hang cut short, arms never straighten",
			},
			{
				Name: "chin_over_bar", Kind: RuleAngle,
				Phases: []string{"top"},
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 20, HighDeg: 70, Weight: 0.3,
				Warn:  "Pull a little higher at the top",
				Fault: "Pull higher, chin should clear the bar",
			},
			{
				Name: "shoulder_packing", Kind: RuleAngle,
				Phases: []string{"descending", "bottom"},
				Series: []string{"left_shoulder", "right_shoulder"},
				LowDeg: 120, HighDeg: 180, Weight: 0.2,
				Warn:  "Keep your shoulders packed",
				Fault: "Shoulders are shrugging up into your ears",
			},
			{
				Name: "body_sway", Kind: RuleAngle,
				Phases: movingPhases,
				Series: []string{"left_body", "right_body"},
				LowDeg: 160, HighDeg: 183, Weight: 0.2,
				Warn:  "Quiet your legs, minimize the swing",
				Fault: "Body is swinging, control the kip",
			},
			{
				Name: "head_neutral", Kind: RuleAngle,
				Phases: []string{"ascending", "top"},
				Series: []string{"head"},
				LowDeg: 140, HighDeg: 180, Weight: 0.2,
				Warn:  "Look straight ahead, not up",
				Fault: "Head is craning back to clear the bar",
			},
			{
				Name: "elbow_flare", Kind: RuleSymmetry,
				Phases: []string{"ascending", "top"},
				Series: []string{"left_elbow", "right_elbow"},
				LowDeg: 0, HighDeg: 18, Weight: 0.1,
				Warn:  "Pull evenly with both arms",
				Fault: "Elbows are flaring unevenly",
			},
		},
		Grips: map[string][]GripOverride{
			"overhand": {
				{Rule: "elbow_flare", LowDeg: 0, HighDeg: 18},
			},
			"underhand": {
				{Rule: "elbow_flare", LowDeg: 0, HighDeg: 12},
				{Rule: "chin_over_bar", LowDeg: 15, HighDeg: 60},
			},
			"wide": {
				{Rule: "elbow_flare", LowDeg: 0, HighDeg: 25},
				{Rule: "chin_over_bar", LowDeg: 30, HighDeg: 80},
			},
		},
	}
}

// Builtin returns a registry with the two bundled catalogs.
func Builtin() (*Registry, error) {
	return NewRegistry(Pushup(), Pullup())
}
