// Package pipeline turns a raw generation request into an outcome:
// validate, resolve the model, generate, encode, then optionally publish.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/thaitrn/musicgen-docker/internal/audio"
	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/modelcache"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
	"github.com/thaitrn/musicgen-docker/internal/publish"
)

const (
	artifactFile = "audio.wav"

	// WarningSilent is attached when the model produced near-silence
	WarningSilent = "generated audio is near-silent"
)

// ModelResolver leases resident models
type ModelResolver interface {
	Resolve(ctx context.Context, v musicgen.Variant) (*modelcache.Handle, error)
}

// Service runs generation requests end to end
type Service struct {
	validator *musicgen.Validator
	models    ModelResolver
	executor  *inference.Executor
	publisher publish.Publisher
	tempDir   string
}

// NewService wires the pipeline stages. A nil publisher disables uploads.
func NewService(validator *musicgen.Validator, models ModelResolver, executor *inference.Executor, publisher publish.Publisher, tempDir string) *Service {
	if publisher == nil {
		publisher = publish.Unavailable(config.PublisherNone, publish.ErrDisabled)
	}
	return &Service{
		validator: validator,
		models:    models,
		executor:  executor,
		publisher: publisher,
		tempDir:   tempDir,
	}
}

// Generate never returns an error: every failure is reported in the
// outcome. Publishing is the only stage whose failure still yields audio.
func (s *Service) Generate(ctx context.Context, raw musicgen.RawRequest) (out musicgen.Outcome) {
	metrics := observability.NewRequestMetrics()
	logger := observability.FromContext(ctx).With().
		Str("job_id", observability.NewCorrelationID()).
		Logger()
	ctx = logger.WithContext(ctx)

	var req musicgen.Request
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("generation pipeline panicked")
			out = musicgen.Fail(req, &musicgen.Error{
				Kind:    musicgen.KindInternal,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}

		status := "success"
		if out.Failure != nil {
			status = string(out.Failure.Kind)
		}
		metrics.Finish(status)
	}()

	started := time.Now()
	req, err := s.validator.Validate(raw)
	metrics.ObserveStage(observability.StageValidate, started)
	if err != nil {
		logger.Info().Err(err).Msg("rejected generation request")
		return musicgen.Fail(req, err)
	}
	metrics.SetVariant(req.Variant.String())
	logger = logger.With().Str("variant", req.Variant.String()).Logger()
	ctx = logger.WithContext(ctx)

	logger.Info().
		Int("prompt_chars", len([]rune(req.Prompt))).
		Float64("duration", req.Duration).
		Bool("publish", req.OutputName != "").
		Msg("generation started")

	started = time.Now()
	handle, err := s.models.Resolve(ctx, req.Variant)
	metrics.ObserveStage(observability.StageResolve, started)
	if err != nil {
		return s.fail(ctx, req, observability.StageResolve, err)
	}
	defer handle.Release()

	started = time.Now()
	wf, err := s.executor.Generate(ctx, handle, req)
	metrics.ObserveStage(observability.StageGenerate, started)
	if err != nil {
		return s.fail(ctx, req, observability.StageGenerate, err)
	}

	workspace, err := os.MkdirTemp(s.tempDir, "musicgen-*")
	if err != nil {
		return s.fail(ctx, req, observability.StageEncode, musicgen.Wrap(musicgen.KindInternal, err, "create workspace"))
	}
	defer os.RemoveAll(workspace)

	started = time.Now()
	path := filepath.Join(workspace, artifactFile)
	art, err := audio.EncodeFile(path, *wf, audio.Metadata{Prompt: req.Prompt, Variant: req.Variant})
	metrics.ObserveStage(observability.StageEncode, started)
	if err != nil {
		return s.fail(ctx, req, observability.StageEncode, err)
	}
	observability.RecordAudioBytes(len(art.Data))

	var warnings []string
	if art.Silent {
		warnings = append(warnings, WarningSilent)
	}

	var ref *musicgen.Reference
	if req.OutputName != "" {
		started = time.Now()
		ref, err = s.publish(ctx, path, req.OutputName)
		metrics.ObserveStage(observability.StagePublish, started)
		if err != nil {
			warnings = append(warnings, "upload failed: "+musicgen.MessageOf(err))
			logger.Warn().
				Err(err).
				Str("backend", s.publisher.Backend()).
				Str("key", req.OutputName).
				Msg("artifact publish failed, returning audio without a reference")
		}
	}

	logger.Info().
		Int("sample_rate", art.SampleRate).
		Int("channels", art.Channels).
		Dur("audio_duration", art.Duration).
		Int("bytes", len(art.Data)).
		Bool("published", ref != nil).
		Msg("generation finished")

	return musicgen.Succeed(req, art, ref, warnings)
}

// publish uploads the artifact. Any failure, a panic included, comes back as
// a publish error with no reference.
func (s *Service) publish(ctx context.Context, path, key string) (ref *musicgen.Reference, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.FromContext(ctx).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("publisher panicked")
			ref, err = nil, &musicgen.Error{Kind: musicgen.KindPublish, Message: fmt.Sprintf("publisher panicked: %v", r)}
		}
	}()

	ref, err = s.publisher.Publish(ctx, path, key)
	if err != nil {
		return nil, musicgen.Wrap(musicgen.KindPublish, err, "publish %s", key)
	}
	return ref, nil
}

func (s *Service) fail(ctx context.Context, req musicgen.Request, stage string, err error) musicgen.Outcome {
	observability.FromContext(ctx).Error().
		Err(err).
		Str("stage", stage).
		Str("kind", string(musicgen.KindOf(err))).
		Msg("generation failed")
	return musicgen.Fail(req, err)
}
