package workout

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
	"gopkg.in/yaml.v3"
)

// planFile is the YAML layout of a plan:
//
//	name: Threshold Builder
//	max_hr: 185
//	phases:
//	  - name: Warmup
//	    duration: 10m
//	    hr_zone: 2
//	  - name: Work
//	    duration: 20m
//	    zone: [150, 165]
type planFile struct {
	Name   string      `yaml:"name"`
	MaxHR  uint16      `yaml:"max_hr,omitempty"`
	Phases []phaseFile `yaml:"phases"`
}

type phaseFile struct {
	Name     string   `yaml:"name"`
	Duration string   `yaml:"duration"`
	Zone     []uint16 `yaml:"zone,omitempty,flow"`
	HRZone   int      `yaml:"hr_zone,omitempty"`
}

// ParsePlan decodes and validates a YAML plan
func ParsePlan(data []byte) (Plan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Plan{}, fmt.Errorf("%w: parse yaml: %v", ErrInvalidPlan, err)
	}

	plan := Plan{
		Name:   strings.TrimSpace(pf.Name),
		MaxHR:  pf.MaxHR,
		Phases: make([]Phase, 0, len(pf.Phases)),
	}
	for i, p := range pf.Phases {
		phase, err := p.toPhase(plan.ZoneMaxHR())
		if err != nil {
			return Plan{}, fmt.Errorf("%w: phase %d: %v", ErrInvalidPlan, i, err)
		}
		plan.Phases = append(plan.Phases, phase)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (p phaseFile) toPhase(maxHR uint16) (Phase, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(p.Duration))
	if err != nil {
		return Phase{}, fmt.Errorf("duration %q: %v", p.Duration, err)
	}

	var target zone.Target
	switch {
	case len(p.Zone) > 0 && p.HRZone != 0:
		return Phase{}, fmt.Errorf("zone and hr_zone are mutually exclusive")
	case len(p.Zone) > 0:
		if len(p.Zone) != 2 {
			return Phase{}, fmt.Errorf("zone must be [low, high], got %v", p.Zone)
		}
		target = zone.Target{Low: p.Zone[0], High: p.Zone[1]}
	case p.HRZone != 0:
		target, err = zone.Bounds(zone.Zone(p.HRZone), maxHR)
		if err != nil {
			return Phase{}, err
		}
	default:
		return Phase{}, fmt.Errorf("one of zone or hr_zone is required")
	}
	return Phase{Name: p.Name, Duration: duration, Target: target}, nil
}

// LoadPlanFile reads a YAML plan from path
func LoadPlanFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan file %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return Plan{}, fmt.Errorf("plan file %s: %w", path, err)
	}
	return plan, nil
}

// MarshalPlan encodes a plan in the YAML layout read by ParsePlan, zones as explicit bounds
func MarshalPlan(plan Plan) ([]byte, error) {
	pf := planFile{
		Name:   plan.Name,
		MaxHR:  plan.MaxHR,
		Phases: make([]phaseFile, 0, len(plan.Phases)),
	}
	for _, p := range plan.Phases {
		pf.Phases = append(pf.Phases, phaseFile{
			Name:     p.Name,
			Duration: p.Duration.String(),
			Zone:     []uint16{p.Target.Low, p.Target.High},
		})
	}
	return yaml.Marshal(pf)
}

// ResolvePlan returns the built-in plan named ref, or loads ref as a plan file
func ResolvePlan(ref string) (Plan, error) {
	if plan, ok := FindBuiltinPlan(ref); ok {
		return plan, nil
	}
	if _, err := os.Stat(ref); err != nil {
		return Plan{}, fmt.Errorf("%w: %q is neither a built-in plan nor a readable file", ErrInvalidPlan, ref)
	}
	return LoadPlanFile(ref)
}
