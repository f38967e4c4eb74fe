package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
	"github.com/thaitrn/musicgen-docker/internal/resilience"
)

const (
	breakerName = "inference"

	// errorBodyLimit caps how much of a failed response ends up in the error
	errorBodyLimit = 512
)

// HTTPRuntime talks to the GPU inference sidecar that owns the model weights
type HTTPRuntime struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type loadRequest struct {
	Variant  string `json:"variant"`
	Repo     string `json:"repo"`
	CacheDir string `json:"cache_dir,omitempty"`
}

type loadResponse struct {
	Handle     string `json:"handle"`
	SampleRate int    `json:"sample_rate"`
}

type generateRequest struct {
	Prompt string          `json:"prompt"`
	Params musicgen.Params `json:"params"`
}

type generateResponse struct {
	PCM        string `json:"pcm"` // base64 little-endian float32
	Shape      []int  `json:"shape"`
	SampleRate int    `json:"sample_rate"`
}

// StatusError is a non-2xx answer from the sidecar
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: sidecar returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: sidecar returned status %d: %s", e.Op, e.Status, e.Body)
}

// NewHTTPRuntime creates a sidecar client guarded by a circuit breaker
func NewHTTPRuntime(cfg *config.Config, logger zerolog.Logger) *HTTPRuntime {
	cb := resilience.NewCircuitBreaker(breakerName, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	cb.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	}

	return &HTTPRuntime{
		baseURL: strings.TrimRight(cfg.InferenceURL, "/"),
		// Per-call deadlines come from the context; loads can take minutes.
		httpClient:     &http.Client{},
		circuitBreaker: cb,
		logger:         logger.With().Str("component", "inference").Logger(),
	}
}

// Load asks the sidecar to bring up the weights for spec
func (r *HTTPRuntime) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	var resp loadResponse
	err := r.call(ctx, "load model", "/v1/models/load", loadRequest{
		Variant:  spec.Variant.String(),
		Repo:     spec.Repo,
		CacheDir: spec.CacheDir,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Handle == "" {
		return nil, fmt.Errorf("load model: sidecar returned no handle")
	}
	if resp.SampleRate <= 0 {
		return nil, fmt.Errorf("load model: sidecar returned sample rate %d", resp.SampleRate)
	}

	r.logger.Info().
		Str("variant", spec.Variant.String()).
		Str("handle", resp.Handle).
		Int("sample_rate", resp.SampleRate).
		Msg("model loaded by sidecar")

	return &httpModel{
		runtime:    r,
		handle:     resp.Handle,
		variant:    spec.Variant,
		sampleRate: resp.SampleRate,
	}, nil
}

// Ping checks the sidecar health endpoint
func (r *HTTPRuntime) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "health", Status: resp.StatusCode}
	}
	if state := r.circuitBreaker.GetState(); state == resilience.StateOpen {
		return fmt.Errorf("inference circuit breaker is %s", state)
	}
	return nil
}

// CircuitBreaker exposes the breaker guarding sidecar calls
func (r *HTTPRuntime) CircuitBreaker() *resilience.CircuitBreaker {
	return r.circuitBreaker
}

// call posts body as JSON to path and decodes a 2xx answer into out.
// 429 and 5xx answers are marked retryable.
func (r *HTTPRuntime) call(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	return r.circuitBreaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%s: failed to create request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			statusErr := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return resilience.NewRetryableError(statusErr)
			}
			return statusErr
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
		return nil
	}, countsAgainstSidecar)
}

// countsAgainstSidecar keeps caller cancellation and rejected requests from
// tripping the breaker.
func countsAgainstSidecar(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= 500
	}
	return true
}

type httpModel struct {
	runtime    *HTTPRuntime
	handle     string
	variant    musicgen.Variant
	sampleRate int
}

func (m *httpModel) SampleRate() int {
	return m.sampleRate
}

func (m *httpModel) Generate(ctx context.Context, prompt string, params musicgen.Params) (*musicgen.Waveform, error) {
	var resp generateResponse
	path := "/v1/models/" + url.PathEscape(m.handle) + "/generate"
	if err := m.runtime.call(ctx, "generate", path, generateRequest{Prompt: prompt, Params: params}, &resp); err != nil {
		return nil, err
	}

	samples, err := DecodePCM(resp.PCM)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return &musicgen.Waveform{
		Samples:    samples,
		Shape:      resp.Shape,
		SampleRate: resp.SampleRate,
	}, nil
}

func (m *httpModel) Close(ctx context.Context) error {
	path := "/v1/models/" + url.PathEscape(m.handle) + "/unload"
	if err := m.runtime.call(ctx, "unload model", path, struct{}{}, nil); err != nil {
		return err
	}
	m.runtime.logger.Info().Str("variant", m.variant.String()).Str("handle", m.handle).Msg("model unloaded by sidecar")
	return nil
}

// DecodePCM unpacks base64 little-endian float32 samples
func DecodePCM(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid pcm payload: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("invalid pcm payload: %d bytes is not a whole number of float32 samples", len(raw))
	}

	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}

// EncodePCM is the inverse of DecodePCM
func EncodePCM(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
