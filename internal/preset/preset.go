// Package preset maps meditation scenarios to fixed generation parameters.
package preset

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a preset.
type Name string

const (
	CalmSoothing     Name = "calm-soothing"
	DeepRelaxation   Name = "deep-relaxation"
	MindfulAwareness Name = "mindful-awareness"
	SleepGuide       Name = "sleep-guide"
	EnergyActivation Name = "energy-activation"
	Custom           Name = "custom"
)

// Default is the preset selected when a request names none.
const Default = CalmSoothing

// Parameter bounds accepted by the engine.
const (
	MinSpeed        = 0.6
	MaxSpeed        = 1.5
	MinTopK         = 1
	MaxTopK         = 50
	MinPauseSeconds = 0.1
	MaxPauseSeconds = 1.0
)

// ErrUnknownPreset matches every *UnknownPresetError.
var ErrUnknownPreset = errors.New("unknown preset")

// UnknownPresetError is returned for names outside the fixed table.
type UnknownPresetError struct {
	Name string
}

func (e *UnknownPresetError) Error() string {
	return fmt.Sprintf("unknown preset %q", e.Name)
}

func (e *UnknownPresetError) Is(target error) bool { return target == ErrUnknownPreset }

// Parameters are the sampling and pacing knobs handed to the engine.
type Parameters struct {
	Speed        float64 `json:"speed" yaml:"speed"`
	TopK         int     `json:"top_k" yaml:"top_k"`
	TopP         float64 `json:"top_p" yaml:"top_p"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	PauseSeconds float64 `json:"pause_seconds" yaml:"pause_seconds"`
}

// Validate checks every field against the engine's accepted range.
func (p Parameters) Validate() error {
	var errs []error
	if p.Speed < MinSpeed || p.Speed > MaxSpeed {
		errs = append(errs, fmt.Errorf("speed %.2f outside [%.1f, %.1f]", p.Speed, MinSpeed, MaxSpeed))
	}
	if p.TopK < MinTopK || p.TopK > MaxTopK {
		errs = append(errs, fmt.Errorf("top_k %d outside [%d, %d]", p.TopK, MinTopK, MaxTopK))
	}
	if p.TopP <= 0 || p.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p %.2f outside (0, 1]", p.TopP))
	}
	if p.Temperature <= 0 || p.Temperature > 1 {
		errs = append(errs, fmt.Errorf("temperature %.2f outside (0, 1]", p.Temperature))
	}
	if p.PauseSeconds < MinPauseSeconds || p.PauseSeconds > MaxPauseSeconds {
		errs = append(errs, fmt.Errorf("pause_seconds %.2f outside [%.1f, %.1f]", p.PauseSeconds, MinPauseSeconds, MaxPauseSeconds))
	}
	return errors.Join(errs...)
}

// Overrides replaces individual fields of a preset. Nil fields keep the preset value.
type Overrides struct {
	Speed        *float64 `json:"speed,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	PauseSeconds *float64 `json:"pause_seconds,omitempty"`
}

// Apply returns a copy of p with the non-nil overrides applied.
func (o Overrides) Apply(p Parameters) Parameters {
	if o.Speed != nil {
		p.Speed = *o.Speed
	}
	if o.TopK != nil {
		p.TopK = *o.TopK
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.PauseSeconds != nil {
		p.PauseSeconds = *o.PauseSeconds
	}
	return p
}

// Empty reports whether no field is overridden.
func (o Overrides) Empty() bool {
	return o.Speed == nil && o.TopK == nil && o.TopP == nil && o.Temperature == nil && o.PauseSeconds == nil
}

// Preset is a named bundle of parameters with display text.
type Preset struct {
	Name        Name       `json:"name"`
	Description string     `json:"description"`
	Tone        string     `json:"tone"`
	Parameters  Parameters `json:"parameters"`
}

var table = []Preset{
	{
		Name:        CalmSoothing,
		Description: "Everyday meditation practice with a gentle, calm voice",
		Tone:        "soft, calm, caring",
		Parameters:  Parameters{Speed: 0.95, TopK: 15, TopP: 0.7, Temperature: 0.7, PauseSeconds: 0.4},
	},
	{
		Name:        DeepRelaxation,
		Description: "Deep relaxation and stress release",
		Tone:        "slow, deep, reassuring",
		Parameters:  Parameters{Speed: 0.85, TopK: 20, TopP: 0.6, Temperature: 0.6, PauseSeconds: 0.5},
	},
	{
		Name:        MindfulAwareness,
		Description: "Mindfulness and awareness practice",
		Tone:        "clear, focused, guiding",
		Parameters:  Parameters{Speed: 1.0, TopK: 10, TopP: 0.8, Temperature: 0.8, PauseSeconds: 0.35},
	},
	{
		Name:        SleepGuide,
		Description: "Bedtime meditation and sleep aid",
		Tone:        "light, slow, hypnotic rhythm",
		Parameters:  Parameters{Speed: 0.8, TopK: 25, TopP: 0.5, Temperature: 0.5, PauseSeconds: 0.6},
	},
	{
		Name:        EnergyActivation,
		Description: "Morning meditation and energy boost",
		Tone:        "lively, positive, uplifting",
		Parameters:  Parameters{Speed: 1.1, TopK: 12, TopP: 0.85, Temperature: 0.9, PauseSeconds: 0.3},
	},
	{
		Name:        Custom,
		Description: "Adjust every parameter by hand",
		Tone:        "as configured",
		Parameters:  Parameters{Speed: 1.0, TopK: 15, TopP: 0.75, Temperature: 0.75, PauseSeconds: 0.35},
	},
}

// Lookup returns the full preset entry for name.
func Lookup(name Name) (Preset, error) {
	for _, p := range table {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, &UnknownPresetError{Name: string(name)}
}

// Resolve returns the parameters for name.
func Resolve(name Name) (Parameters, error) {
	p, err := Lookup(name)
	if err != nil {
		return Parameters{}, err
	}
	return p.Parameters, nil
}

// Parse normalizes user input (case, surrounding space, underscores) into a Name.
// An empty string yields Default.
func Parse(s string) (Name, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Default, nil
	}
	name := Name(strings.ReplaceAll(s, "_", "-"))
	if _, err := Lookup(name); err != nil {
		return "", err
	}
	return name, nil
}

// All returns every preset in display order.
func All() []Preset {
	return append([]Preset(nil), table...)
}

// Names returns every preset name in display order.
func Names() []Name {
	names := make([]Name, len(table))
	for i, p := range table {
		names[i] = p.Name
	}
	return names
}
