package profiles

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"posecoach/core"
)

// Triple names an angle measured at joint B between the B->A and B->C rays.
type Triple struct {
	A string `toml:"a"`
	B string `toml:"b"`
	C string `toml:"c"`
}

// Series is one named per-frame angle signal computed by the conditioner.
type Series struct {
	Name   string `toml:"name"`
	Triple Triple `toml:"triple"`
}

// Rule kinds. An angle rule measures the mean of its series (sides that are
// missing on a frame are left out); a symmetry rule measures the absolute
// difference of exactly two series.
const (
	RuleAngle    = "angle"
	RuleSymmetry = "symmetry"
)

type Rule struct {
	Name    string   `toml:"name"`
	Kind    string   `toml:"kind"`
	Phases  []string `toml:"phases"`
	Series  []string `toml:"series"`
	LowDeg  float64  `toml:"low_deg"`
	HighDeg float64  `toml:"high_deg"`
	Weight  float64  `toml:"weight"`
	Warn    string   `toml:"warn"`
	Fault   string   `toml:"fault"`
}

// AppliesTo reports whether the rule is scored in the given phase.
func (r Rule) AppliesTo(phase core.Phase) bool {
	for _, p := range r.Phases {
		if core.Phase(p) == phase {
			return true
		}
	}
	return false
}

// GripOverride rebands one rule for a pull-up grip variant.
type GripOverride struct {
	Rule    string  `toml:"rule"`
	LowDeg  float64 `toml:"low_deg"`
	HighDeg float64 `toml:"high_deg"`
}

// Profile is the complete data definition of one exercise. Nothing outside
// this package knows exercise names; adding an exercise is adding a profile.
type Profile struct {
	Name         string                    `toml:"name"`
	Series       []Series                  `toml:"series"`
	Driver       []string                  `toml:"driver"`
	InvertDriver bool                      `toml:"invert_driver"`
	ScoredPhases []string                  `toml:"scored_phases"`
	Rules        []Rule                    `toml:"rules"`
	Grips        map[string][]GripOverride `toml:"grips"`
	DefaultGrip  string                    `toml:"default_grip"`
}

// SeriesNames returns the declared series in order; this ordering defines the
// DTW feature vector layout.
func (p *Profile) SeriesNames() []string {
	names := make([]string, len(p.Series))
	for i, s := range p.Series {
		names[i] = s.Name
	}
	return names
}

func (p *Profile) hasSeries(name string) bool {
	for _, s := range p.Series {
		if s.Name == name {
			return true
		}
	}
	return false
}

// ForGrip returns a copy of the profile with the grip's band overrides
// applied. Unknown grip is an error; empty grip selects the default.
func (p *Profile) ForGrip(grip string) (*Profile, string, error) {
	if len(p.Grips) == 0 {
		return p, "", nil
	}
	if grip == "" {
		grip = p.DefaultGrip
	}
	overrides, ok := p.Grips[grip]
	if !ok {
		return nil, "", fmt.Errorf("unknown grip %q for %s", grip, p.Name)
	}

	out := *p
	out.Rules = make([]Rule, len(p.Rules))
	copy(out.Rules, p.Rules)
	for _, ov := range overrides {
		for i := range out.Rules {
			if out.Rules[i].Name == ov.Rule {
				out.Rules[i].LowDeg = ov.LowDeg
				out.Rules[i].HighDeg = ov.HighDeg
			}
		}
	}
	return &out, grip, nil
}

// Validate checks the profile is internally consistent.
func (p *Profile) Validate() error {
	var errs error

	if p.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("profile name is empty"))
	}
	if len(p.Series) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: no series declared", p.Name))
	}
	if len(p.Driver) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: no driver series", p.Name))
	}
	for _, d := range p.Driver {
		if !p.hasSeries(d) {
			errs = multierr.Append(errs, fmt.Errorf("%s: driver references unknown series %q", p.Name, d))
		}
	}

	for _, r := range p.Rules {
		if r.Weight <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: weight must be > 0", p.Name, r.Name))
		}
		if r.LowDeg > r.HighDeg {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: band low > high", p.Name, r.Name))
		}
		switch r.Kind {
		case RuleAngle:
			if len(r.Series) == 0 {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: angle rule needs series", p.Name, r.Name))
			}
		case RuleSymmetry:
			if len(r.Series) != 2 {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: symmetry rule needs exactly two series", p.Name, r.Name))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: unknown kind %q", p.Name, r.Name, r.Kind))
		}
		for _, s := range r.Series {
			if !p.hasSeries(s) {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: unknown series %q", p.Name, r.Name, s))
			}
		}
		if len(r.Phases) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: no phases", p.Name, r.Name))
		}
	}

	if len(p.Grips) > 0 {
		if _, ok := p.Grips[p.DefaultGrip]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%s: default grip %q not declared", p.Name, p.DefaultGrip))
		}
	}

	return errs
}

// Registry holds the loaded profiles keyed by canonical exercise name.
type Registry struct {
	profiles map[string]*Profile
}

func NewRegistry(ps ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(ps))}
	for _, p := range ps {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.profiles[p.Name] = p
	return nil
}

// Get resolves an exercise name (aliases handled) to its profile.
func (r *Registry) Get(exercise string) (*Profile, error) {
	name, err := CanonicalExercise(exercise)
	if err != nil {
		return nil, err
	}
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("no profile loaded for %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}

// CanonicalExercise maps user-facing spellings to profile names.
func CanonicalExercise(exercise string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(exercise)) {
	case "pushup", "push-up", "pushups", "push-ups":
		return "pushup", nil
	case "pullup", "pull-up", "pullups", "pull-ups":
		return "pullup", nil
	default:
		return "", fmt.Errorf("unsupported exercise type %q", exercise)
	}
}

// CanonicalGrip normalizes grip names; empty selects the profile default.
func CanonicalGrip(grip string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(grip)) {
	case "":
		return "", nil
	case "overhand", "pronated":
		return "overhand", nil
	case "underhand", "supinated", "chinup", "chin-up":
		return "underhand", nil
	case "wide":
		return "wide", nil
	default:
		return "", fmt.Errorf("unsupported grip type %q", grip)
	}
}
