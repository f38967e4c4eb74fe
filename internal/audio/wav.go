package audio

import (
	"bytes"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/thaitrn/musicgen-docker/internal/musicgen"
)

const (
	// FormatWAV is the container every artifact is encoded in
	FormatWAV = "wav"

	bitDepth     = 16
	wavFormatPCM = 1
	filePerm     = 0o600
)

// Metadata is stamped into the artifact alongside the audio
type Metadata struct {
	Prompt  string
	Variant musicgen.Variant
}

// Decoded is a WAV stream read back into float channels
type Decoded struct {
	SampleRate int
	BitDepth   int
	Channels   [][]float32
}

// Frames returns the per-channel sample count
func (d *Decoded) Frames() int {
	if len(d.Channels) == 0 {
		return 0
	}
	return len(d.Channels[0])
}

// EncodeFile post-processes the raw model output and writes it as a 16-bit
// PCM WAV file at path, at the waveform's own sample rate. The returned
// artifact holds the same bytes that were written.
func EncodeFile(path string, wf musicgen.Waveform, meta Metadata) (*musicgen.Artifact, error) {
	if wf.SampleRate <= 0 {
		return nil, encodingError("sample rate must be positive, got %d", wf.SampleRate)
	}

	channels, err := SplitChannels(wf)
	if err != nil {
		return nil, err
	}
	silent := DetectSilence(channels, SilenceThreshold)
	NormalizePeak(channels)

	if err := writeWAV(path, channels, wf.SampleRate); err != nil {
		return nil, musicgen.Wrap(musicgen.KindInternal, err, "write wav")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, musicgen.Wrap(musicgen.KindInternal, err, "read back wav")
	}

	frames := len(channels[0])
	return &musicgen.Artifact{
		Data:       data,
		Format:     FormatWAV,
		SampleRate: wf.SampleRate,
		Channels:   len(channels),
		Frames:     frames,
		Duration:   time.Duration(frames) * time.Second / time.Duration(wf.SampleRate),
		Prompt:     meta.Prompt,
		Variant:    meta.Variant,
		Silent:     silent,
	}, nil
}

// Encode is EncodeFile through a scratch file that is removed before returning
func Encode(wf musicgen.Waveform, meta Metadata) (*musicgen.Artifact, error) {
	f, err := os.CreateTemp("", "musicgen-*.wav")
	if err != nil {
		return nil, musicgen.Wrap(musicgen.KindInternal, err, "create scratch file")
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path)

	return EncodeFile(path, wf, meta)
}

func writeWAV(path string, channels [][]float32, sampleRate int) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	frames := len(channels[0])
	interleaved := make([]int, frames*len(channels))
	for i := 0; i < frames; i++ {
		for c, stream := range channels {
			interleaved[i*len(channels)+c] = toPCM16(stream[i])
		}
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, len(channels), wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: len(channels), SampleRate: sampleRate},
		Data:           interleaved,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode samples: %w", err)
	}
	// Close patches the RIFF header sizes
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// Decode reads a WAV artifact back into float channels scaled to [-1, 1]
func Decode(data []byte) (*Decoded, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, encodingError("not a valid wav stream")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, musicgen.Wrap(musicgen.KindEncoding, err, "decode wav")
	}

	numChans := int(dec.NumChans)
	depth := int(dec.BitDepth)
	if numChans < 1 || depth < 8 {
		return nil, encodingError("unsupported wav layout: %d channels, %d bits", numChans, depth)
	}

	scale := float64(int64(1)<<(depth-1) - 1)
	frames := len(buf.Data) / numChans
	channels := make([][]float32, numChans)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames*numChans; i++ {
		channels[i%numChans][i/numChans] = float32(float64(buf.Data[i]) / scale)
	}

	return &Decoded{
		SampleRate: int(dec.SampleRate),
		BitDepth:   depth,
		Channels:   channels,
	}, nil
}
