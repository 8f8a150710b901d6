package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Pipeline is the part of the narration pipeline exposed to operators.
type Pipeline interface {
	Stats() pipeline.Stats
	Submit(ctx context.Context, req pipeline.SubmitRequest) (int64, error)
	IngestBook(ctx context.Context, m pipeline.Manuscript) (model.Book, int, error)
	Restart(ctx context.Context, bookID int64) (int, error)
	DeleteBook(ctx context.Context, bookID int64) error
	SetSpeakerVoice(ctx context.Context, characterID int64, voiceID, voiceName, description string) (model.Character, error)
}

// Catalog answers read-only questions about books.
type Catalog interface {
	BookProgress(ctx context.Context, bookID int64) (model.BookProgress, error)
	ListCharacters(ctx context.Context, bookID int64) ([]model.Character, error)
}

// Service answers control requests arriving over the bus.
type Service struct {
	bus      *bus.Client
	pipeline Pipeline
	catalog  Catalog
	voices   tts.VoiceCatalog
	voice    string
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	timeout  time.Duration
	logger   *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, p Pipeline, catalog Catalog, voices tts.VoiceCatalog, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		pipeline: p,
		catalog:  catalog,
		voices:   voices,
		voice:    model.DefaultVoice,
		ctx:      ctx,
		cancel:   cancel,
		timeout:  30 * time.Second,
		logger:   logger.With(slog.String("component", "control-service")),
	}
}

// WithDefaultVoice sets the voice reported for speakers without one of their own.
func (s *Service) WithDefaultVoice(voice string) *Service {
	if voice != "" {
		s.voice = voice
	}
	return s
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectStats:      s.handleStats,
		protocol.SubjectRestart:    s.handleRestart,
		protocol.SubjectBookDelete: s.handleBookDelete,
		protocol.SubjectSubmit:     s.handleSubmit,
		protocol.SubjectIngest:     s.handleIngest,
		protocol.SubjectVoiceSet:   s.handleVoiceSet,
		protocol.SubjectVoices:     s.handleVoices,
		protocol.SubjectProgress:   s.handleProgress,
		protocol.SubjectSpeakers:   s.handleSpeakers,
	}
	for subject, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, s.track(h))
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) track(h nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		defer s.wg.Done()
		h(msg)
	}
}

func (s *Service) handleStats(msg *nats.Msg) {
	var req protocol.StatsRequest
	if !s.decode(msg, &req) {
		return
	}
	st := s.pipeline.Stats()
	s.respond(msg, protocol.StatsReply{
		Reply:            protocol.Reply{RequestID: req.RequestID},
		AttributionQueue: st.AttributionQueue,
		StressQueue:      st.StressQueue,
		SynthesisQueue:   st.SynthesisQueue,
		LLMAvailable:     st.LLMAvailable,
		TTSAvailable:     st.TTSAvailable,
	})
}

func (s *Service) handleRestart(msg *nats.Msg) {
	var req protocol.RestartRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.RestartReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	n, err := s.pipeline.Restart(ctx, req.BookID)
	if err != nil {
		reply.Error = err.Error()
		s.logger.Warn("restart failed", slog.Int64("book_id", req.BookID), slogError(err))
	}
	reply.Queued = n
	s.respond(msg, reply)
}

func (s *Service) handleBookDelete(msg *nats.Msg) {
	var req protocol.BookDeleteRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.BookDeleteReply{Reply: protocol.Reply{RequestID: req.RequestID}, BookID: req.BookID}
	if err := s.pipeline.DeleteBook(ctx, req.BookID); err != nil {
		reply.Error = err.Error()
		s.logger.Warn("book delete failed", slog.Int64("book_id", req.BookID), slogError(err))
	}
	s.respond(msg, reply)
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.SubmitReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	id, err := s.pipeline.Submit(ctx, pipeline.SubmitRequest{ChapterID: req.ChapterID, Text: req.Text})
	if err != nil {
		reply.Error = err.Error()
	}
	reply.SentenceID = id
	s.respond(msg, reply)
}

func (s *Service) handleIngest(msg *nats.Msg) {
	var req protocol.IngestRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	m := pipeline.Manuscript{Title: req.Title, Author: req.Author}
	for _, ch := range req.Chapters {
		m.Chapters = append(m.Chapters, pipeline.ManuscriptChapter{Title: ch.Title, Sentences: ch.Sentences})
	}
	reply := protocol.IngestReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	book, n, err := s.pipeline.IngestBook(ctx, m)
	if err != nil {
		reply.Error = err.Error()
	}
	reply.BookID = book.ID
	reply.Sentences = n
	s.respond(msg, reply)
}

func (s *Service) handleVoiceSet(msg *nats.Msg) {
	var req protocol.VoiceSetRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.VoiceSetReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	char, err := s.pipeline.SetSpeakerVoice(ctx, req.CharacterID, req.VoiceID, req.VoiceName, req.Description)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Speaker = s.speaker(char)
	}
	s.respond(msg, reply)
}

func (s *Service) handleVoices(msg *nats.Msg) {
	var req protocol.VoicesRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.VoicesReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	voices, err := s.voices.ListVoices(ctx)
	if err != nil {
		reply.Error = err.Error()
	}
	for _, v := range voices {
		reply.Voices = append(reply.Voices, protocol.Voice{ID: v.ID, Name: v.Name})
	}
	s.respond(msg, reply)
}

func (s *Service) handleProgress(msg *nats.Msg) {
	var req protocol.ProgressRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.ProgressReply{Reply: protocol.Reply{RequestID: req.RequestID}, BookID: req.BookID}
	progress, err := s.catalog.BookProgress(ctx, req.BookID)
	if err != nil {
		reply.Error = err.Error()
		s.respond(msg, reply)
		return
	}
	reply.Title = progress.Title
	reply.TotalChapters = progress.TotalChapters
	reply.ReadyChapters = progress.ReadyChapters
	reply.TotalSentences = progress.TotalSentences
	reply.ReadySentences = progress.ReadySentences
	reply.ProgressPercent = progress.ProgressPercent
	for _, ch := range progress.Chapters {
		reply.Chapters = append(reply.Chapters, protocol.ChapterProgress{
			ChapterID: ch.ChapterID,
			Number:    ch.Number,
			Title:     ch.Title,
			Total:     ch.Total,
			Ready:     ch.Ready,
		})
	}
	s.respond(msg, reply)
}

func (s *Service) handleSpeakers(msg *nats.Msg) {
	var req protocol.SpeakersRequest
	if !s.decode(msg, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	reply := protocol.SpeakersReply{Reply: protocol.Reply{RequestID: req.RequestID}}
	chars, err := s.catalog.ListCharacters(ctx, req.BookID)
	if err != nil {
		reply.Error = err.Error()
	}
	for _, c := range chars {
		reply.Speakers = append(reply.Speakers, s.speaker(c))
	}
	s.respond(msg, reply)
}

func (s *Service) decode(msg *nats.Msg, v any) bool {
	if len(msg.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn("failed to decode control request", slog.String("subject", msg.Subject), slogError(err))
		s.respond(msg, protocol.Reply{Error: "invalid request: " + err.Error()})
		return false
	}
	return true
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to send control reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) speaker(c model.Character) protocol.Speaker {
	voice := c.VoiceID
	if voice == "" {
		voice = s.voice
	}
	return protocol.Speaker{
		ID:          c.ID,
		BookID:      c.BookID,
		Name:        c.Name,
		VoiceID:     voice,
		VoiceName:   c.VoiceName,
		Description: c.Description,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
