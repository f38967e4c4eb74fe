package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

// ErrClosed is returned by Resolve after Close
var ErrClosed = errors.New("model cache is closed")

// Options configures a Cache
type Options struct {
	CacheDir              string
	MaxResident           int           // resident variants before LRU eviction
	LoadTimeout           time.Duration // budget for one load including retries
	GenerationConcurrency int           // slot capacity per handle
	Retry                 *resilience.RetryConfig
}

// OptionsFromConfig maps service configuration onto cache options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheDir:              cfg.ModelCacheDir,
		MaxResident:           cfg.MaxResidentModels,
		LoadTimeout:           cfg.ModelLoadTimeoutDuration(),
		GenerationConcurrency: cfg.GenerationConcurrency,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryInitialBackoffDuration(),
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Stats is a snapshot of cache activity
type Stats struct {
	Loads     int64
	Failures  int64
	Hits      int64
	Evictions int64
	Resident  []musicgen.Variant
}

// Cache keeps loaded models resident for the life of the process. At most
// one load per variant is in flight; failed loads are never cached.
type Cache struct {
	runtime inference.Runtime
	opts    Options
	logger  zerolog.Logger
	group   singleflight.Group

	mu       sync.Mutex // guards resident and closed
	resident *lru.Cache[musicgen.Variant, *Handle]
	closed   bool

	loads     atomic.Int64
	failures  atomic.Int64
	hits      atomic.Int64
	evictions atomic.Int64
}

// New creates an empty cache backed by rt
func New(rt inference.Runtime, opts Options, logger zerolog.Logger) (*Cache, error) {
	if opts.MaxResident <= 0 {
		opts.MaxResident = len(musicgen.Variants())
	}
	if opts.GenerationConcurrency <= 0 {
		opts.GenerationConcurrency = 1
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Minute
	}

	c := &Cache{
		runtime: rt,
		opts:    opts,
		logger:  logger.With().Str("component", "modelcache").Logger(),
	}
	resident, err := lru.NewWithEvict(opts.MaxResident, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create resident set: %w", err)
	}
	c.resident = resident
	return c, nil
}

// Resolve returns a leased handle for v, loading the model on first use.
// Concurrent callers for the same variant share one load. Each caller stops
// waiting when its own ctx ends; the load itself carries on for the others.
func (c *Cache) Resolve(ctx context.Context, v musicgen.Variant) (*Handle, error) {
	if _, ok := musicgen.ParseVariant(v.String()); !ok {
		return nil, &musicgen.Error{Kind: musicgen.KindModelLoad, Message: fmt.Sprintf("unknown model variant %q", v)}
	}

	for {
		h, err := c.lookup(v)
		if err != nil {
			return nil, err
		}
		if h != nil {
			c.hits.Inc()
			observability.RecordModelCacheHit(v.String())
			return h, nil
		}

		ch := c.group.DoChan(v.String(), func() (any, error) {
			return c.load(ctx, v)
		})

		select {
		case <-ctx.Done():
			return nil, musicgen.Wrap(musicgen.KindModelLoad, ctx.Err(), "gave up waiting for %s model", v)
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			h := res.Val.(*Handle)
			ok, err := c.acquire(h)
			if err != nil {
				return nil, err
			}
			if ok {
				return h, nil
			}
			// evicted between load and lease; resolve again
		}
	}
}

// lookup leases a resident handle, or returns nil on a miss
func (c *Cache) lookup(v musicgen.Variant) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, musicgen.Wrap(musicgen.KindModelLoad, ErrClosed, "resolve %s model", v)
	}
	h, ok := c.resident.Get(v)
	if !ok || !h.retain() {
		return nil, nil
	}
	return h, nil
}

func (c *Cache) acquire(h *Handle) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, musicgen.Wrap(musicgen.KindModelLoad, ErrClosed, "resolve %s model", h.variant)
	}
	return h.retain(), nil
}

// load runs once per variant at a time, detached from the leader's
// cancellation so waiters are not failed by a caller that gave up.
func (c *Cache) load(ctx context.Context, v musicgen.Variant) (h *Handle, err error) {
	c.mu.Lock()
	if resident, ok := c.resident.Peek(v); ok {
		c.mu.Unlock()
		return resident, nil
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h, err = nil, &musicgen.Error{Kind: musicgen.KindInternal, Message: fmt.Sprintf("loading %s model panicked: %v", v, r)}
		}
	}()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LoadTimeout)
	defer cancel()

	// a load is shared by every caller waiting on it, so it logs under the
	// cache's own logger rather than the leader's request
	logger := c.logger.With().Str("variant", v.String()).Logger()
	spec := inference.SpecFor(v, c.opts.CacheDir)
	logger.Info().Str("repo", spec.Repo).Msg("loading model")
	started := time.Now()

	var model inference.Model
	err = resilience.Retry(loadCtx, func(ctx context.Context) error {
		m, err := c.runtime.Load(ctx, spec)
		if err != nil {
			logger.Warn().Err(err).Msg("model load attempt failed")
			return err
		}
		model = m
		return nil
	}, c.opts.Retry, resilience.IsRetryableNetworkError)
	if err == nil && model.SampleRate() <= 0 {
		_ = model.Close(loadCtx)
		err = fmt.Errorf("model reports sample rate %d", model.SampleRate())
	}
	if err != nil {
		c.failures.Inc()
		observability.RecordModelLoad(v.String(), false)
		return nil, musicgen.Wrap(musicgen.KindModelLoad, err, "failed to load %s model", v)
	}

	h = newHandle(v, model, c.opts.GenerationConcurrency, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = h.close(loadCtx)
		return nil, musicgen.Wrap(musicgen.KindModelLoad, ErrClosed, "load %s model", v)
	}
	c.resident.Add(v, h)
	observability.SetResidentModels(c.resident.Len())
	c.mu.Unlock()

	c.loads.Inc()
	observability.RecordModelLoad(v.String(), true)
	logger.Info().
		Int("sample_rate", model.SampleRate()).
		Dur("elapsed", time.Since(started)).
		Msg("model loaded")
	return h, nil
}

// onEvict runs with c.mu held, from Add or Purge
func (c *Cache) onEvict(v musicgen.Variant, h *Handle) {
	idle := h.evict()
	if c.closed {
		return
	}

	c.evictions.Inc()
	observability.RecordModelEviction(v.String())
	c.logger.Info().Str("variant", v.String()).Bool("leased", !idle).Msg("evicting model")
	if idle {
		go h.unload()
	}
}

// Stats returns counters and the currently resident variants
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	resident := c.resident.Keys()
	c.mu.Unlock()

	sort.Slice(resident, func(i, j int) bool { return resident[i] < resident[j] })
	return Stats{
		Loads:     c.loads.Load(),
		Failures:  c.failures.Load(),
		Hits:      c.hits.Load(),
		Evictions: c.evictions.Load(),
		Resident:  resident,
	}
}

// Close unloads every idle model. Models still leased are unloaded when
// their last lease is released. Resolve fails after Close.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := c.resident.Values()
	c.resident.Purge()
	observability.SetResidentModels(0)
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if idle := h.evict(); !idle {
			continue
		}
		if err := h.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload %s model: %w", h.variant, err))
		}
	}
	return errors.Join(errs...)
}
