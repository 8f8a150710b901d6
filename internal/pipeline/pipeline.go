package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/gate"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/queue"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Store is the persistence the pipeline reads and writes.
type Store interface {
	CreateBook(ctx context.Context, title, author string) (model.Book, error)
	GetBook(ctx context.Context, id int64) (model.Book, error)
	DeleteBook(ctx context.Context, id int64) error
	CreateChapter(ctx context.Context, bookID int64, number int, title string) (model.Chapter, error)
	CreateSentence(ctx context.Context, chapterID int64, number int, text string) (model.Sentence, error)
	GetSentence(ctx context.Context, id int64) (model.Sentence, error)
	SaveSentence(ctx context.Context, sen model.Sentence, expect model.Status, reason string) error
	ListSentencesByBook(ctx context.Context, bookID int64) ([]model.Sentence, error)
	FindOrCreateCharacter(ctx context.Context, bookID int64, name string) (model.Character, error)
	GetCharacter(ctx context.Context, id int64) (model.Character, error)
	UpdateCharacter(ctx context.Context, c model.Character) (model.Character, error)
	CharacterNames(ctx context.Context, bookID int64) ([]string, error)
}

// SpeakerResolver names the speaker of a sentence.
type SpeakerResolver interface {
	ResolveSpeaker(ctx context.Context, text string, known []string) (string, error)
}

// StressAnnotator marks stressed vowels.
type StressAnnotator interface {
	Annotate(ctx context.Context, text string) (string, error)
}

// AudioWriter places synthesized audio on disk.
type AudioWriter interface {
	SentencePath(sentenceID int64) string
	Format() string
	Write(path string, data []byte) error
	Remove(path string) error
}

// Notifier observes every persisted status change.
type Notifier interface {
	SentenceChanged(ctx context.Context, tr model.Transition)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store       Store
	Resolver    SpeakerResolver
	Annotator   StressAnnotator
	Synthesizer tts.Synthesizer
	Audio       AudioWriter
	Notifier    Notifier
	Logger      *slog.Logger
	// DefaultVoice is spoken by speakers without an assigned voice.
	DefaultVoice string
}

// Stats is a point-in-time view of queue depths and gate availability. The
// fields are read independently and need not be mutually consistent.
type Stats struct {
	AttributionQueue int  `json:"attribution_queue"`
	StressQueue      int  `json:"stress_queue"`
	SynthesisQueue   int  `json:"synthesis_queue"`
	LLMAvailable     bool `json:"llm_available"`
	TTSAvailable     bool `json:"tts_available"`
}

// Pipeline owns the stage queues, the backend gates and the worker pools.
type Pipeline struct {
	cfg       config.PipelineConfig
	store     Store
	resolver  SpeakerResolver
	annotator StressAnnotator
	synth     tts.Synthesizer
	audio     AudioWriter
	notifier  Notifier
	logger    *slog.Logger
	voice     string

	attribution *queue.Queue[model.AttributionTask]
	stress      *queue.Queue[model.StressTask]
	synthesis   *queue.Queue[model.SynthesisTask]
	llmGate     *gate.Gate
	ttsGate     *gate.Gate

	tracer  trace.Tracer
	metrics *metrics
	clock   func() time.Time

	// mu orders worker commits against Restart and DeleteBook. Workers hold it
	// shared while persisting and enqueuing.
	mu sync.RWMutex
	// generations counts restarts of sentences still in flight.
	genMu       sync.Mutex
	generations map[int64]uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg config.PipelineConfig, deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Resolver == nil || deps.Annotator == nil || deps.Synthesizer == nil || deps.Audio == nil {
		return nil, errors.New("pipeline: store, resolver, annotator, synthesizer and audio are required")
	}
	if deps.Logger == nil {
		return nil, errors.New("pipeline: logger is required")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	voice := deps.DefaultVoice
	if voice == "" {
		voice = model.DefaultVoice
	}
	p := &Pipeline{
		cfg:         cfg,
		store:       deps.Store,
		resolver:    deps.Resolver,
		annotator:   deps.Annotator,
		synth:       deps.Synthesizer,
		audio:       deps.Audio,
		notifier:    notifier,
		voice:       voice,
		logger:      deps.Logger.With(slog.String("component", "pipeline")),
		attribution: queue.New[model.AttributionTask](),
		stress:      queue.New[model.StressTask](),
		synthesis:   queue.New[model.SynthesisTask](),
		llmGate:     gate.New("llm"),
		ttsGate:     gate.New("tts"),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-narrator/pipeline"),
		clock:       time.Now,
		generations: make(map[int64]uint64),
	}
	m, err := newMetrics(p, otel.Meter("github.com/loqalabs/loqa-narrator/pipeline"))
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	p.metrics = m
	return p, nil
}

// Start launches the worker pools. Workers run until Stop or until ctx is done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.cancel != nil {
		return errors.New("pipeline already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	pools := []struct {
		stage model.Stage
		size  int
		run   func(context.Context, *slog.Logger)
	}{
		{model.StageAttribution, p.cfg.AttributionWorkers, p.runAttribution},
		{model.StageStress, p.cfg.StressWorkers, p.runStress},
		{model.StageSynthesis, p.cfg.SynthesisWorkers, p.runSynthesis},
	}
	for _, pool := range pools {
		size := pool.size
		if size <= 0 {
			size = 1
		}
		for i := 0; i < size; i++ {
			log := p.logger.With(slog.String("stage", pool.stage.String()), slog.Int("worker", i))
			run := pool.run
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				run(ctx, log)
			}()
		}
	}
	p.logger.Info("pipeline started",
		slog.Int("attribution_workers", p.cfg.AttributionWorkers),
		slog.Int("stress_workers", p.cfg.StressWorkers),
		slog.Int("synthesis_workers", p.cfg.SynthesisWorkers))
	return nil
}

// Stop signals every worker and waits for them. Calls already issued to a
// backend run to completion first. Queued tasks are kept, so Start may be
// called again.
func (p *Pipeline) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
	p.logger.Info("pipeline stopped")
}

// Close stops the workers and discards all queued tasks.
func (p *Pipeline) Close() {
	p.Stop()
	p.attribution.Close()
	p.stress.Close()
	p.synthesis.Close()
	if err := p.metrics.close(); err != nil {
		p.logger.Warn("failed to unregister metrics", slogError(err))
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		AttributionQueue: p.attribution.Len(),
		StressQueue:      p.stress.Len(),
		SynthesisQueue:   p.synthesis.Len(),
		LLMAvailable:     p.llmGate.Available(),
		TTSAvailable:     p.ttsGate.Available(),
	}
}

func (p *Pipeline) notify(ctx context.Context, sen model.Sentence, from model.Status, reason string) {
	p.notifier.SentenceChanged(ctx, model.Transition{
		SentenceID: sen.ID,
		BookID:     sen.BookID,
		From:       from,
		To:         sen.Status,
		Reason:     reason,
		CreatedAt:  p.clock().UTC(),
	})
}

func (p *Pipeline) generation(id int64) uint64 {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return p.generations[id]
}

func (p *Pipeline) bump(id int64) {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	p.generations[id]++
}

func (p *Pipeline) forget(id int64) {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	delete(p.generations, id)
}

func (p *Pipeline) synthesisTask(ctx context.Context, sen model.Sentence, voices map[int64]string) (model.SynthesisTask, error) {
	voice := p.voice
	if sen.CharacterID != nil {
		if v, ok := voices[*sen.CharacterID]; ok {
			voice = v
		} else {
			char, err := p.store.GetCharacter(ctx, *sen.CharacterID)
			if err != nil {
				return model.SynthesisTask{}, fmt.Errorf("load speaker %d: %w", *sen.CharacterID, err)
			}
			if char.VoiceID != "" {
				voice = char.VoiceID
			}
			if voices != nil {
				voices[char.ID] = voice
			}
		}
	}
	return model.SynthesisTask{
		SentenceID: sen.ID,
		Text:       sen.StressedText,
		VoiceID:    voice,
		OutputPath: p.audio.SentencePath(sen.ID),
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) SentenceChanged(context.Context, model.Transition) {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
