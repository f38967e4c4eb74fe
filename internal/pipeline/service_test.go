package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/thaitrn/musicgen-docker/internal/audio"
	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/modelcache"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/publish"
)

var sampleRates = map[musicgen.Variant]int{
	musicgen.VariantSmall:  32000,
	musicgen.VariantMedium: 32000,
	musicgen.VariantLarge:  24000,
}

type toneModel struct {
	rate   int
	silent bool
}

func (m *toneModel) SampleRate() int { return m.rate }

func (m *toneModel) Generate(_ context.Context, prompt string, params musicgen.Params) (*musicgen.Waveform, error) {
	if prompt == "explode" {
		panic("device lost")
	}
	n := int(params.Duration * float64(m.rate))
	samples := make([]float32, n)
	if !m.silent {
		for i := range samples {
			samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(m.rate)))
		}
	}
	if prompt == "glitch" {
		samples[n/2] = float32(math.NaN())
	}
	return &musicgen.Waveform{Samples: samples, Shape: []int{1, 1, n}, SampleRate: m.rate}, nil
}

func (m *toneModel) Close(context.Context) error { return nil }

type countingRuntime struct {
	loads  atomic.Int32
	delay  time.Duration
	silent bool
}

func (r *countingRuntime) Load(_ context.Context, spec inference.ModelSpec) (inference.Model, error) {
	r.loads.Inc()
	time.Sleep(r.delay)
	return &toneModel{rate: sampleRates[spec.Variant], silent: r.silent}, nil
}

func (r *countingRuntime) Ping(context.Context) error { return nil }

type countingResolver struct {
	inner ModelResolver
	calls atomic.Int32
}

func (r *countingResolver) Resolve(ctx context.Context, v musicgen.Variant) (*modelcache.Handle, error) {
	r.calls.Inc()
	return r.inner.Resolve(ctx, v)
}

type recordingPublisher struct {
	mu    sync.Mutex
	keys  []string
	sizes []int
	err   error
	panic bool
}

func (p *recordingPublisher) Publish(_ context.Context, localPath, name string) (*musicgen.Reference, error) {
	if p.panic {
		panic("storage client bug")
	}
	if p.err != nil {
		return nil, p.err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.keys = append(p.keys, name)
	p.sizes = append(p.sizes, int(info.Size()))
	p.mu.Unlock()
	return &musicgen.Reference{Backend: "test", Bucket: "b", Key: name, URL: "https://b.example/" + name}, nil
}

func (p *recordingPublisher) Backend() string { return "test" }
func (p *recordingPublisher) Close() error    { return nil }

type fixture struct {
	svc      *Service
	runtime  *countingRuntime
	resolver *countingResolver
	cache    *modelcache.Cache
	tempDir  string
}

func newFixture(t *testing.T, pub publish.Publisher) *fixture {
	t.Helper()
	rt := &countingRuntime{}
	cache, err := modelcache.New(rt, modelcache.Options{MaxResident: 3, LoadTimeout: 5 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	resolver := &countingResolver{inner: cache}
	tempDir := t.TempDir()
	svc := NewService(
		musicgen.NewValidator(musicgen.DefaultLimits()),
		resolver,
		inference.NewExecutor(10*time.Second),
		pub,
		tempDir,
	)
	return &fixture{svc: svc, runtime: rt, resolver: resolver, cache: cache, tempDir: tempDir}
}

func raw(prompt string, duration float64, size string) musicgen.RawRequest {
	return musicgen.RawRequest{Prompt: &prompt, Duration: &duration, ModelSize: &size}
}

func TestGenerate_HappyPath(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Generate(context.Background(), raw("happy music", 2.0, "small"))
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)

	art := out.Artifact
	assert.Equal(t, "wav", art.Format)
	assert.Equal(t, 2*time.Second, art.Duration)
	assert.Equal(t, 32000, art.SampleRate)
	assert.Equal(t, "happy music", art.Prompt)
	assert.Equal(t, musicgen.VariantSmall, art.Variant)
	assert.NotEmpty(t, art.Data)
	assert.Nil(t, out.Reference)
	assert.Empty(t, out.Warnings)

	assertWorkspaceRemoved(t, f.tempDir)
}

func assertWorkspaceRemoved(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be removed")
}

func TestGenerate_EmptyPromptRejected(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Generate(context.Background(), raw("", 5.0, "small"))
	require.False(t, out.Succeeded())
	assert.Equal(t, musicgen.KindValidation, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "prompt")
	assert.Nil(t, out.Artifact)
	assert.EqualValues(t, 0, f.resolver.calls.Load())
}

func TestGenerate_DurationOutOfBoundsNeverResolves(t *testing.T) {
	f := newFixture(t, nil)

	for _, d := range []float64{45, 30.0001, 0, -1} {
		out := f.svc.Generate(context.Background(), raw("x", d, "small"))
		require.False(t, out.Succeeded())
		assert.Equal(t, musicgen.KindValidation, out.Failure.Kind)
		assert.Contains(t, out.Failure.Message, "duration")
	}
	assert.EqualValues(t, 0, f.resolver.calls.Load())
	assert.EqualValues(t, 0, f.runtime.loads.Load())
}

func TestGenerate_PublishFailureIsAWarning(t *testing.T) {
	// no credentials configured
	pub := publish.New(&config.Config{PublisherBackend: config.PublisherR2}, zerolog.Nop())
	f := newFixture(t, pub)

	req := raw("happy music", 1.0, "small")
	name := "a.wav"
	req.OutputName = &name

	out := f.svc.Generate(context.Background(), req)
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	assert.NotEmpty(t, out.Artifact.Data)
	assert.Nil(t, out.Reference)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "upload failed")
	assertWorkspaceRemoved(t, f.tempDir)
}

func TestGenerate_EncodeFailureRemovesWorkspace(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Generate(context.Background(), raw("glitch", 1.0, "small"))
	require.False(t, out.Succeeded())
	assert.Equal(t, musicgen.KindEncoding, out.Failure.Kind)
	assert.Nil(t, out.Artifact)
	assertWorkspaceRemoved(t, f.tempDir)
}

func TestGenerate_ConcurrentColdRequestsShareOneLoad(t *testing.T) {
	f := newFixture(t, nil)
	f.runtime.delay = 30 * time.Millisecond

	outcomes := make([]musicgen.Outcome, 2)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.svc.Generate(context.Background(), raw("medium jazz", 1.0, "medium"))
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		assert.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	}
	assert.EqualValues(t, 1, f.runtime.loads.Load())
	assert.EqualValues(t, 1, f.cache.Stats().Loads)
}

func TestGenerate_PreservesNativeSampleRate(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Generate(context.Background(), raw("slow strings", 1.0, "large"))
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	assert.Equal(t, 24000, out.Artifact.SampleRate)

	dec, err := audio.Decode(out.Artifact.Data)
	require.NoError(t, err)
	assert.Equal(t, 24000, dec.SampleRate)
	assert.Equal(t, 24000, dec.Frames())
	assert.InDelta(t, 1.0, audio.Peak(dec.Channels), 1e-3)
}

func TestGenerate_PublishesWhenNamed(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, pub)

	req := raw("happy music", 1.0, "small")
	name := "tracks/happy.wav"
	req.OutputName = &name

	out := f.svc.Generate(context.Background(), req)
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	require.NotNil(t, out.Reference)
	assert.Equal(t, "tracks/happy.wav", out.Reference.Key)
	assert.Equal(t, []string{"tracks/happy.wav"}, pub.keys)
	assert.Equal(t, []int{len(out.Artifact.Data)}, pub.sizes)
}

func TestGenerate_SilentOutputWarns(t *testing.T) {
	f := newFixture(t, nil)
	f.runtime.silent = true

	out := f.svc.Generate(context.Background(), raw("silence", 1.0, "small"))
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	assert.Equal(t, []string{WarningSilent}, out.Warnings)

	dec, err := audio.Decode(out.Artifact.Data)
	require.NoError(t, err)
	assert.Zero(t, audio.Peak(dec.Channels))
}

func TestGenerate_ModelPanicIsInternal(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Generate(context.Background(), raw("explode", 1.0, "small"))
	require.False(t, out.Succeeded())
	assert.Equal(t, musicgen.KindInternal, out.Failure.Kind)

	// the handle is still usable afterwards
	out = f.svc.Generate(context.Background(), raw("calm", 1.0, "small"))
	assert.True(t, out.Succeeded(), "failure: %+v", out.Failure)
}

func TestGenerate_PublisherPanicIsAWarning(t *testing.T) {
	f := newFixture(t, &recordingPublisher{panic: true})

	req := raw("happy music", 1.0, "small")
	name := "a.wav"
	req.OutputName = &name

	out := f.svc.Generate(context.Background(), req)
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)
	assert.NotEmpty(t, out.Artifact.Data)
	assert.Nil(t, out.Reference)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "storage client bug")
	assertWorkspaceRemoved(t, f.tempDir)
}

func TestGenerate_LogsCarryJobID(t *testing.T) {
	f := newFixture(t, nil)

	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	out := f.svc.Generate(ctx, raw("happy music", 1.0, "small"))
	require.True(t, out.Succeeded(), "failure: %+v", out.Failure)

	var ids []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line struct {
			JobID string `json:"job_id"`
		}
		require.NoError(t, dec.Decode(&line))
		ids = append(ids, line.JobID)
	}
	require.NotEmpty(t, ids)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	_, err := uuid.Parse(ids[0])
	assert.NoError(t, err)
}

func TestGenerate_ModelLoadFailure(t *testing.T) {
	f := newFixture(t, &recordingPublisher{err: errors.New("unused")})
	require.NoError(t, f.cache.Close(context.Background()))

	out := f.svc.Generate(context.Background(), raw("x", 1.0, "small"))
	require.False(t, out.Succeeded())
	assert.Equal(t, musicgen.KindModelLoad, out.Failure.Kind)
}
