package inference

import (
	"context"

	"github.com/thaitrn/musicgen-docker/internal/musicgen"
)

// ModelSpec tells a runtime which weights to bring up for a variant
type ModelSpec struct {
	Variant  musicgen.Variant
	Repo     string // pretrained weights identifier
	CacheDir string // where the runtime keeps downloaded weights
}

// SpecFor maps a variant to its pretrained weights
func SpecFor(v musicgen.Variant, cacheDir string) ModelSpec {
	return ModelSpec{Variant: v, Repo: musicgen.WeightsRepo(v), CacheDir: cacheDir}
}

// Runtime loads model weights onto an accelerator
type Runtime interface {
	// Load brings the weights for spec into memory. It may take minutes.
	Load(ctx context.Context, spec ModelSpec) (Model, error)

	// Ping checks the runtime is reachable
	Ping(ctx context.Context) error
}

// Model is a loaded text-to-music model.
// Implementations need not be safe for concurrent Generate calls.
type Model interface {
	// SampleRate is the native output rate in Hz
	SampleRate() int

	// Generate renders audio for one prompt. params is applied to this call
	// only. It must return promptly once ctx is done: the caller holds the
	// model's generation slot until Generate returns.
	Generate(ctx context.Context, prompt string, params musicgen.Params) (*musicgen.Waveform, error)

	// Close releases the weights
	Close(ctx context.Context) error
}
