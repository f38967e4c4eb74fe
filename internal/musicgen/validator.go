package musicgen

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Defaults applied when a field is absent from the request
const (
	DefaultDuration       = 10.0
	DefaultTemperature    = 1.0
	DefaultTopK           = 250
	DefaultTopP           = 0.0
	DefaultCFGCoefficient = 3.0

	maxTemperature    = 2.0
	maxCFGCoefficient = 10.0
	maxOutputNameLen  = 1024
)

// Limits bounds what the Validator accepts
type Limits struct {
	MaxPromptLength int     // runes
	MaxDuration     float64 // seconds, inclusive
	DefaultVariant  Variant
}

// DefaultLimits mirrors the public API documentation
func DefaultLimits() Limits {
	return Limits{
		MaxPromptLength: 500,
		MaxDuration:     30,
		DefaultVariant:  VariantSmall,
	}
}

// Validator normalizes and bounds-checks inbound requests.
// It is pure: no I/O, no model access.
type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	if limits.MaxPromptLength <= 0 {
		limits.MaxPromptLength = DefaultLimits().MaxPromptLength
	}
	if limits.MaxDuration <= 0 {
		limits.MaxDuration = DefaultLimits().MaxDuration
	}
	if _, ok := ParseVariant(string(limits.DefaultVariant)); !ok {
		limits.DefaultVariant = VariantSmall
	}
	return &Validator{limits: limits}
}

// Limits returns the bounds in effect
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate returns a Request or a validation *Error naming the first bad field
func (v *Validator) Validate(raw RawRequest) (Request, error) {
	req := Request{
		Duration:       DefaultDuration,
		Variant:        v.limits.DefaultVariant,
		Temperature:    DefaultTemperature,
		TopK:           DefaultTopK,
		TopP:           DefaultTopP,
		CFGCoefficient: DefaultCFGCoefficient,
	}

	if raw.Prompt == nil {
		return Request{}, Validation("prompt", "is required")
	}
	prompt := strings.TrimSpace(*raw.Prompt)
	if prompt == "" {
		return Request{}, Validation("prompt", "must not be empty")
	}
	if n := utf8.RuneCountInString(prompt); n > v.limits.MaxPromptLength {
		return Request{}, Validation("prompt", "must be at most %d characters, got %d", v.limits.MaxPromptLength, n)
	}
	req.Prompt = prompt

	if raw.Duration != nil {
		d := *raw.Duration
		if !finite(d) || d <= 0 || d > v.limits.MaxDuration {
			return Request{}, Validation("duration", "must be in (0, %g] seconds, got %g", v.limits.MaxDuration, d)
		}
		req.Duration = d
	}

	if raw.ModelSize != nil {
		variant, ok := ParseVariant(strings.ToLower(strings.TrimSpace(*raw.ModelSize)))
		if !ok {
			return Request{}, Validation("modelSize", "must be one of small, medium, large, got %q", *raw.ModelSize)
		}
		req.Variant = variant
	}

	if raw.Temperature != nil {
		t := *raw.Temperature
		if !finite(t) || t <= 0 || t > maxTemperature {
			return Request{}, Validation("temperature", "must be in (0, %g], got %g", maxTemperature, t)
		}
		req.Temperature = t
	}

	if raw.TopK != nil {
		k := *raw.TopK
		if !finite(k) || k < 0 || k != math.Trunc(k) || k > math.MaxInt32 {
			return Request{}, Validation("topK", "must be a non-negative integer, got %g", k)
		}
		req.TopK = int(k)
	}

	if raw.TopP != nil {
		p := *raw.TopP
		if !finite(p) || p < 0 || p > 1 {
			return Request{}, Validation("topP", "must be in [0, 1], got %g", p)
		}
		req.TopP = p
	}

	if raw.CFGCoefficient != nil {
		c := *raw.CFGCoefficient
		if !finite(c) || c <= 0 || c > maxCFGCoefficient {
			return Request{}, Validation("cfgCoefficient", "must be in (0, %g], got %g", maxCFGCoefficient, c)
		}
		req.CFGCoefficient = c
	}

	if raw.OutputName != nil {
		name, err := validateOutputName(*raw.OutputName)
		if err != nil {
			return Request{}, err
		}
		req.OutputName = name
	}

	return req, nil
}

// validateOutputName accepts relative object keys such as "tracks/a.wav"
func validateOutputName(s string) (string, error) {
	name := strings.TrimSpace(s)
	if name == "" {
		// explicit empty string means "do not publish"
		return "", nil
	}
	if len(name) > maxOutputNameLen {
		return "", Validation("outputName", "must be at most %d bytes", maxOutputNameLen)
	}
	if strings.HasPrefix(name, "/") {
		return "", Validation("outputName", "must be a relative key")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return "", Validation("outputName", "contains an invalid path segment")
		}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", Validation("outputName", "contains control characters")
		}
	}
	return name, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
