package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
)

// DefaultGenerationTimeout bounds a generation when the caller sets no
// tighter deadline
const DefaultGenerationTimeout = 600 * time.Second

// Target is a resident model together with the gate that serializes work on it
type Target interface {
	Variant() musicgen.Variant
	Model() Model
	Slot() *semaphore.Weighted
}

// Executor runs one generation against a resident model
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor; a non-positive timeout means the default
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Executor{timeout: timeout}
}

type generation struct {
	wf  *musicgen.Waveform
	err error
}

// Generate renders req on target. Every call sends the full parameter set
// derived from req. The target's slot is held from configuration until the
// model call returns, even when the caller has already timed out.
func (e *Executor) Generate(ctx context.Context, target Target, req musicgen.Request) (*musicgen.Waveform, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := observability.FromContext(ctx)
	variant := target.Variant()

	slot := target.Slot()
	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, interrupted(ctx, variant, "waiting for a generation slot")
	}

	params := req.Params()
	model := target.Model()
	done := make(chan generation, 1)

	go func() {
		var res generation
		defer func() {
			if r := recover(); r != nil {
				res = generation{err: &musicgen.Error{
					Kind:    musicgen.KindInternal,
					Message: fmt.Sprintf("generation panicked: %v", r),
				}}
			}
			slot.Release(1)
			done <- res
		}()

		res.wf, res.err = model.Generate(ctx, req.Prompt, params)
	}()

	started := time.Now()
	var res generation
	select {
	case res = <-done:
	case <-ctx.Done():
		logger.Warn().
			Str("variant", variant.String()).
			Dur("elapsed", time.Since(started)).
			Msg("generation abandoned")
		return nil, interrupted(ctx, variant, "generating")
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, variant, "generating")
		}
		return nil, musicgen.Wrap(musicgen.KindGeneration, res.err, "%s model failed to generate", variant)
	}
	if res.wf == nil {
		return nil, &musicgen.Error{Kind: musicgen.KindGeneration, Message: fmt.Sprintf("%s model returned no audio", variant)}
	}

	native := model.SampleRate()
	if res.wf.SampleRate == 0 {
		res.wf.SampleRate = native
	}
	if res.wf.SampleRate != native {
		return nil, &musicgen.Error{
			Kind:    musicgen.KindGeneration,
			Message: fmt.Sprintf("%s model returned %d Hz audio, expected %d Hz", variant, res.wf.SampleRate, native),
		}
	}

	logger.Debug().
		Str("variant", variant.String()).
		Float64("duration", params.Duration).
		Int("samples", len(res.wf.Samples)).
		Dur("elapsed", time.Since(started)).
		Msg("generation finished")

	return res.wf, nil
}

// interrupted classifies a context that ended before the model answered
func interrupted(ctx context.Context, variant musicgen.Variant, during string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &musicgen.Error{
			Kind:    musicgen.KindGenerationTimeout,
			Message: fmt.Sprintf("%s model timed out while %s", variant, during),
			Err:     ctx.Err(),
		}
	}
	return &musicgen.Error{
		Kind:    musicgen.KindGeneration,
		Message: fmt.Sprintf("request cancelled while %s", during),
		Err:     ctx.Err(),
	}
}
