package modelcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
)

// unloadTimeout bounds closing a model nobody is waiting on
const unloadTimeout = 2 * time.Minute

// Handle is a resident model leased out by the cache. Callers must Release
// it when their generation is done.
type Handle struct {
	variant musicgen.Variant
	model   inference.Model
	slot    *semaphore.Weighted
	logger  zerolog.Logger

	mu      sync.Mutex
	refs    int
	evicted bool

	closeOnce sync.Once
	closeErr  error
}

func newHandle(v musicgen.Variant, m inference.Model, concurrency int, logger zerolog.Logger) *Handle {
	return &Handle{
		variant: v,
		model:   m,
		slot:    semaphore.NewWeighted(int64(concurrency)),
		logger:  logger,
	}
}

// Variant returns which model size this handle holds
func (h *Handle) Variant() musicgen.Variant { return h.variant }

// Model returns the loaded model
func (h *Handle) Model() inference.Model { return h.model }

// Slot gates concurrent generations on the model
func (h *Handle) Slot() *semaphore.Weighted { return h.slot }

// SampleRate is the model's native output rate
func (h *Handle) SampleRate() int { return h.model.SampleRate() }

// Release returns a lease. The last release of an evicted handle unloads it.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	unload := h.evicted && h.refs == 0
	h.mu.Unlock()

	if unload {
		go h.unload()
	}
}

// retain takes a lease unless the handle has been evicted
func (h *Handle) retain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return false
	}
	h.refs++
	return true
}

// evict marks the handle as no longer resident and reports whether it can
// be unloaded right away
func (h *Handle) evict() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = true
	return h.refs == 0
}

func (h *Handle) leases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

func (h *Handle) unload() {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	_ = h.close(ctx)
}

func (h *Handle) close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.model.Close(ctx)
		if h.closeErr != nil {
			h.logger.Warn().Err(h.closeErr).Str("variant", h.variant.String()).Msg("failed to unload model")
			return
		}
		h.logger.Info().Str("variant", h.variant.String()).Msg("model unloaded")
	})
	return h.closeErr
}
