package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
)

// DefaultMaxRequestBytes bounds a /generate body when none is configured
const DefaultMaxRequestBytes = 64 << 10

// Generator runs one generation request
type Generator interface {
	Generate(ctx context.Context, raw musicgen.RawRequest) musicgen.Outcome
}

// Handlers serves the music generation endpoints
type Handlers struct {
	generator Generator
	maxBody   int64
}

// NewHandlers creates handlers backed by generator
func NewHandlers(generator Generator, maxBody int64) *Handlers {
	if maxBody <= 0 {
		maxBody = DefaultMaxRequestBytes
	}
	return &Handlers{generator: generator, maxBody: maxBody}
}

// GenerateResponse is the /generate body. Failures are reported with
// success=false and a 200 status.
type GenerateResponse struct {
	Success    bool     `json:"success"`
	AudioData  string   `json:"audioData,omitempty"`
	Format     string   `json:"format,omitempty"`
	Duration   float64  `json:"duration,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Model      string   `json:"model,omitempty"`
	AudioURL   string   `json:"audioUrl,omitempty"`
	Filename   string   `json:"filename,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorKind  string   `json:"errorKind,omitempty"`
}

// ModelsResponse is the /models body
type ModelsResponse struct {
	Models []musicgen.ModelInfo `json:"models"`
}

// Models lists the available variants
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, ModelsResponse{Models: musicgen.Catalog()})
}

// Generate decodes the request, runs the pipeline and reports the outcome
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var raw musicgen.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		out := musicgen.Fail(musicgen.Request{}, decodeError(err, h.maxBody))
		writeJSON(r.Context(), w, http.StatusOK, NewGenerateResponse(out))
		return
	}

	out := h.generator.Generate(r.Context(), raw)
	writeJSON(r.Context(), w, http.StatusOK, NewGenerateResponse(out))
}

// NewGenerateResponse renders an outcome for clients
func NewGenerateResponse(out musicgen.Outcome) GenerateResponse {
	if !out.Succeeded() {
		resp := GenerateResponse{Success: false, Prompt: out.Request.Prompt}
		if out.Failure != nil {
			resp.Error = out.Failure.Message
			resp.ErrorKind = string(out.Failure.Kind)
		} else {
			resp.Error = "generation produced no audio"
			resp.ErrorKind = string(musicgen.KindInternal)
		}
		return resp
	}

	art := out.Artifact
	resp := GenerateResponse{
		Success:    true,
		AudioData:  base64.StdEncoding.EncodeToString(art.Data),
		Format:     art.Format,
		Duration:   out.Request.Duration,
		SampleRate: art.SampleRate,
		Prompt:     out.Request.Prompt,
		Model:      out.Request.Variant.String(),
		Warnings:   out.Warnings,
	}
	if out.Reference != nil {
		resp.AudioURL = out.Reference.URL
		resp.Filename = out.Reference.Key
	}
	return resp
}

// decodeError turns a body that could not be decoded into a validation error
// naming the offending field where the decoder knows it
func decodeError(err error, limit int64) error {
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return musicgen.Validation(field, "expected %s, got JSON %s", jsonKind(typeErr), typeErr.Value)
	case errors.As(err, &sizeErr):
		return musicgen.Validation("body", "request body exceeds %d bytes", limit)
	case errors.As(err, &syntaxErr):
		return musicgen.Validation("body", "malformed JSON at offset %d", syntaxErr.Offset)
	case errors.Is(err, io.EOF):
		return musicgen.Validation("body", "request body is empty")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return musicgen.Validation("body", "request body is truncated")
	default:
		return musicgen.Validation("body", "could not decode request: %v", err)
	}
}

func jsonKind(err *json.UnmarshalTypeError) string {
	if err.Type == nil {
		return "a different type"
	}
	switch err.Type.String() {
	case "*string", "string":
		return "a string"
	case "*float64", "float64":
		return "a number"
	case "musicgen.RawRequest":
		return "an object"
	}
	return err.Type.String()
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.FromContext(ctx).Warn().Err(err).Msg("failed to write response")
	}
}
