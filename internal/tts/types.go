package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// ErrEmptyAudio is returned when a backend finished without producing audio.
var ErrEmptyAudio = errors.New("synthesizer produced no audio")

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text   string
	Voice  string
	Format string
}

// SynthChunk carries a slice of encoded audio.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	Data       []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Voice is one entry of a voice catalog.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VoiceCatalog lists the voices a backend can speak with.
type VoiceCatalog interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// HealthChecker is implemented by backends that can report their own health.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// NewSynthesizer builds the backend selected by cfg.Mode. The returned catalog
// is the backend itself when it can list voices, otherwise a static catalog of
// the default voice.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, VoiceCatalog, error) {
	fallback := StaticCatalog{Voice{ID: cfg.DefaultVoice, Name: cfg.DefaultVoice}}
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), fallback, nil
	case "http":
		h := NewHTTPSynth(cfg.Endpoint, cfg.DefaultVoice)
		return h, WithFallback(h, fallback), nil
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, nil, err
		}
		return s, fallback, nil
	default:
		return nil, nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Collect drains a synthesis into one buffer.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) ([]byte, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var audio []byte
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			audio = append(audio, chunk.Data...)
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// StaticCatalog is a fixed voice list.
type StaticCatalog []Voice

func (c StaticCatalog) ListVoices(context.Context) ([]Voice, error) {
	return append([]Voice(nil), c...), nil
}

type fallbackCatalog struct {
	primary  VoiceCatalog
	fallback VoiceCatalog
}

// WithFallback answers from fallback when primary fails or lists no voices.
func WithFallback(primary, fallback VoiceCatalog) VoiceCatalog {
	return fallbackCatalog{primary: primary, fallback: fallback}
}

func (c fallbackCatalog) ListVoices(ctx context.Context) ([]Voice, error) {
	voices, err := c.primary.ListVoices(ctx)
	if err == nil && len(voices) > 0 {
		return voices, nil
	}
	return c.fallback.ListVoices(ctx)
}
