package modelcache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

type fakeModel struct {
	variant musicgen.Variant
	rate    int
	closed  atomic.Bool
}

func (m *fakeModel) SampleRate() int { return m.rate }

func (m *fakeModel) Generate(context.Context, string, musicgen.Params) (*musicgen.Waveform, error) {
	return &musicgen.Waveform{Samples: []float32{0}, Shape: []int{1}, SampleRate: m.rate}, nil
}

func (m *fakeModel) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

type fakeRuntime struct {
	mu       sync.Mutex
	calls    map[musicgen.Variant]int
	failures []error // returned by the first calls, in order
	models   []*fakeModel
	rate     int

	gate     chan struct{} // when set, loads block until it is closed
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{calls: map[musicgen.Variant]int{}, rate: 32000}
}

func (r *fakeRuntime) Load(ctx context.Context, spec inference.ModelSpec) (inference.Model, error) {
	n := r.inFlight.Inc()
	defer r.inFlight.Dec()
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[spec.Variant]++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	m := &fakeModel{variant: spec.Variant, rate: r.rate}
	r.models = append(r.models, m)
	return m, nil
}

func (r *fakeRuntime) Ping(context.Context) error { return nil }

func (r *fakeRuntime) loadCalls(v musicgen.Variant) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[v]
}

func (r *fakeRuntime) model(v musicgen.Variant) *fakeModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		if m.variant == v {
			return m
		}
	}
	return nil
}

func newTestCache(t *testing.T, rt inference.Runtime, maxResident int) *Cache {
	t.Helper()
	c, err := New(rt, Options{
		MaxResident: maxResident,
		LoadTimeout: 5 * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestResolve_LoadsOnceThenHits(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestCache(t, rt, 3)
	ctx := context.Background()

	first, err := c.Resolve(ctx, musicgen.VariantSmall)
	require.NoError(t, err)
	first.Release()

	second, err := c.Resolve(ctx, musicgen.VariantSmall)
	require.NoError(t, err)
	second.Release()

	assert.Same(t, first, second)
	assert.Equal(t, 1, rt.loadCalls(musicgen.VariantSmall))
	assert.Equal(t, 32000, first.SampleRate())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Loads)
	assert.EqualValues(t, 1, stats.Hits)
	assert.Equal(t, []musicgen.Variant{musicgen.VariantSmall}, stats.Resident)
}

func TestResolve_ConcurrentCallersShareOneLoad(t *testing.T) {
	rt := newFakeRuntime()
	rt.gate = make(chan struct{})
	c := newTestCache(t, rt, 3)

	const callers = 8
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Resolve(context.Background(), musicgen.VariantMedium)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(rt.gate)
	wg.Wait()

	assert.Equal(t, 1, rt.loadCalls(musicgen.VariantMedium))
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Same(t, handles[0], h)
		h.Release()
	}
	assert.Equal(t, 0, handles[0].leases())
}

func TestResolve_DifferentVariantsLoadConcurrently(t *testing.T) {
	rt := newFakeRuntime()
	rt.gate = make(chan struct{})
	c := newTestCache(t, rt, 3)

	var wg sync.WaitGroup
	for _, v := range []musicgen.Variant{musicgen.VariantSmall, musicgen.VariantLarge} {
		wg.Add(1)
		go func(v musicgen.Variant) {
			defer wg.Done()
			h, err := c.Resolve(context.Background(), v)
			if assert.NoError(t, err) {
				h.Release()
			}
		}(v)
	}

	assert.Eventually(t, func() bool { return rt.inFlight.Load() == 2 }, time.Second, time.Millisecond)
	close(rt.gate)
	wg.Wait()

	assert.EqualValues(t, 2, rt.maxSeen.Load())
}

func TestResolve_FailedLoadIsNotCached(t *testing.T) {
	rt := newFakeRuntime()
	rt.failures = []error{errors.New("weights checksum mismatch")}
	c := newTestCache(t, rt, 3)
	ctx := context.Background()

	_, err := c.Resolve(ctx, musicgen.VariantLarge)
	require.Error(t, err)
	assert.ErrorIs(t, err, musicgen.ErrModelLoad)
	assert.Contains(t, err.Error(), "checksum")

	h, err := c.Resolve(ctx, musicgen.VariantLarge)
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, 2, rt.loadCalls(musicgen.VariantLarge))
	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Failures)
	assert.EqualValues(t, 1, stats.Loads)
}

func TestResolve_RetriesTransientFailures(t *testing.T) {
	rt := newFakeRuntime()
	rt.failures = []error{errors.New("dial tcp: connection refused")}
	c := newTestCache(t, rt, 3)

	h, err := c.Resolve(context.Background(), musicgen.VariantSmall)
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, 2, rt.loadCalls(musicgen.VariantSmall))
	assert.EqualValues(t, 0, c.Stats().Failures)
}

func TestResolve_LoadSurvivesLeaderCancellation(t *testing.T) {
	rt := newFakeRuntime()
	rt.gate = make(chan struct{})
	c := newTestCache(t, rt, 3)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Resolve(leaderCtx, musicgen.VariantMedium)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return rt.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan *Handle, 1)
	go func() {
		h, err := c.Resolve(context.Background(), musicgen.VariantMedium)
		assert.NoError(t, err)
		followerDone <- h
	}()

	cancelLeader()
	err := <-leaderErr
	assert.ErrorIs(t, err, musicgen.ErrModelLoad)
	assert.ErrorIs(t, err, context.Canceled)

	close(rt.gate)
	select {
	case h := <-followerDone:
		require.NotNil(t, h)
		h.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("follower never received the shared load")
	}
	assert.Equal(t, 1, rt.loadCalls(musicgen.VariantMedium))
}

func TestResolve_RejectsBadModels(t *testing.T) {
	rt := newFakeRuntime()
	rt.rate = 0
	c := newTestCache(t, rt, 3)

	_, err := c.Resolve(context.Background(), musicgen.VariantSmall)
	assert.ErrorIs(t, err, musicgen.ErrModelLoad)

	_, err = c.Resolve(context.Background(), musicgen.Variant("huge"))
	assert.ErrorIs(t, err, musicgen.ErrModelLoad)
}

func TestEviction_UnloadsLeastRecentlyUsed(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestCache(t, rt, 1)
	ctx := context.Background()

	small, err := c.Resolve(ctx, musicgen.VariantSmall)
	require.NoError(t, err)
	small.Release()

	medium, err := c.Resolve(ctx, musicgen.VariantMedium)
	require.NoError(t, err)
	medium.Release()

	assert.Eventually(t, func() bool { return rt.model(musicgen.VariantSmall).closed.Load() }, time.Second, time.Millisecond)
	assert.False(t, rt.model(musicgen.VariantMedium).closed.Load())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Evictions)
	assert.Equal(t, []musicgen.Variant{musicgen.VariantMedium}, stats.Resident)
}

func TestEviction_WaitsForLeases(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestCache(t, rt, 1)
	ctx := context.Background()

	small, err := c.Resolve(ctx, musicgen.VariantSmall)
	require.NoError(t, err)

	medium, err := c.Resolve(ctx, musicgen.VariantMedium)
	require.NoError(t, err)
	defer medium.Release()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, rt.model(musicgen.VariantSmall).closed.Load(), "leased model must stay loaded")

	small.Release()
	assert.Eventually(t, func() bool { return rt.model(musicgen.VariantSmall).closed.Load() }, time.Second, time.Millisecond)
}

func TestClose(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestCache(t, rt, 3)
	ctx := context.Background()

	idle, err := c.Resolve(ctx, musicgen.VariantSmall)
	require.NoError(t, err)
	idle.Release()

	leased, err := c.Resolve(ctx, musicgen.VariantLarge)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.True(t, rt.model(musicgen.VariantSmall).closed.Load())
	assert.False(t, rt.model(musicgen.VariantLarge).closed.Load())

	leased.Release()
	assert.Eventually(t, func() bool { return rt.model(musicgen.VariantLarge).closed.Load() }, time.Second, time.Millisecond)

	_, err = c.Resolve(ctx, musicgen.VariantSmall)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, musicgen.ErrModelLoad)
	assert.Empty(t, c.Stats().Resident)
}

func TestLoad_LogsUnderCacheLogger(t *testing.T) {
	var cacheLog, requestLog bytes.Buffer
	c, err := New(newFakeRuntime(), Options{MaxResident: 3, LoadTimeout: 5 * time.Second}, zerolog.New(&cacheLog))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	reqLogger := zerolog.New(&requestLog).With().Str("variant", "small").Logger()
	h, err := c.Resolve(reqLogger.WithContext(context.Background()), musicgen.VariantSmall)
	require.NoError(t, err)
	h.Release()

	assert.Empty(t, requestLog.String())
	lines := strings.Split(strings.TrimSpace(cacheLog.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"variant":`), line)
	}
}
