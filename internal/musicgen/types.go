package musicgen

import "time"

// Variant identifies one of the model sizes offered for generation
type Variant string

const (
	VariantSmall  Variant = "small"
	VariantMedium Variant = "medium"
	VariantLarge  Variant = "large"
)

// Variants returns the closed set of supported variants, smallest first
func Variants() []Variant {
	return []Variant{VariantSmall, VariantMedium, VariantLarge}
}

// ParseVariant maps a client supplied model size to a Variant.
// Unknown values are rejected rather than mapped to a default.
func ParseVariant(s string) (Variant, bool) {
	switch v := Variant(s); v {
	case VariantSmall, VariantMedium, VariantLarge:
		return v, true
	}
	return "", false
}

func (v Variant) String() string {
	return string(v)
}

// RawRequest is the decoded but unvalidated /generate payload.
// Nil fields were absent from the request body.
type RawRequest struct {
	Prompt         *string  `json:"prompt"`
	Duration       *float64 `json:"duration"`
	ModelSize      *string  `json:"modelSize"`
	Temperature    *float64 `json:"temperature"`
	TopK           *float64 `json:"topK"`
	TopP           *float64 `json:"topP"`
	CFGCoefficient *float64 `json:"cfgCoefficient"`
	OutputName     *string  `json:"outputName"`
}

// Request is a validated generation request. Only the Validator builds one.
type Request struct {
	Prompt         string
	Duration       float64
	Variant        Variant
	Temperature    float64
	TopK           int
	TopP           float64
	CFGCoefficient float64
	OutputName     string
}

// Params returns the generation parameters for a single call.
// It is recomputed per request and never stored on a model.
func (r Request) Params() Params {
	return Params{
		Duration:       r.Duration,
		Temperature:    r.Temperature,
		TopK:           r.TopK,
		TopP:           r.TopP,
		CFGCoefficient: r.CFGCoefficient,
	}
}

// Params configures one generation call
type Params struct {
	Duration       float64 `json:"duration"`
	Temperature    float64 `json:"temperature"`
	TopK           int     `json:"top_k"`
	TopP           float64 `json:"top_p"`
	CFGCoefficient float64 `json:"cfg_coef"`
}

// Waveform is the raw model output: row-major float PCM with its tensor shape.
// Shape is [n], [channels, n] or [1, channels, n].
type Waveform struct {
	Samples    []float32
	Shape      []int
	SampleRate int
}

// Artifact is an encoded audio stream plus the metadata it was produced with
type Artifact struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
	Frames     int
	Duration   time.Duration
	Prompt     string
	Variant    Variant
	Silent     bool // raw output was below the audible threshold
}

// Reference locates an uploaded artifact
type Reference struct {
	Backend string
	Bucket  string
	Key     string
	URL     string
}

// Failure describes why a request produced no artifact
type Failure struct {
	Kind    ErrorKind
	Message string
}

// Outcome is the result of one generation request.
// Exactly one of Artifact and Failure is set.
type Outcome struct {
	Request   Request
	Artifact  *Artifact
	Reference *Reference
	Warnings  []string
	Failure   *Failure
}

// Succeeded reports whether the outcome carries an artifact
func (o Outcome) Succeeded() bool {
	return o.Failure == nil && o.Artifact != nil
}

// Succeed builds a successful outcome. ref may be nil.
func Succeed(req Request, art *Artifact, ref *Reference, warnings []string) Outcome {
	return Outcome{Request: req, Artifact: art, Reference: ref, Warnings: warnings}
}

// Fail builds a failed outcome from err, classifying it by kind
func Fail(req Request, err error) Outcome {
	return Outcome{
		Request: req,
		Failure: &Failure{Kind: KindOf(err), Message: MessageOf(err)},
	}
}
