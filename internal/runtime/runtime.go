package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/control"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/presence"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const eventRetention = 7 * 24 * time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *store.Store
	pipeline      *pipeline.Pipeline
	control       *control.Service
	presence      *presence.Registry
	assembler     *audio.Assembler
	ttsHealth     tts.HealthChecker
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, resumes unfinished books and blocks until
// ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	var notifier pipeline.Notifier
	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
		notifier = control.NewBusNotifier(r.bus, r.logger)
	}

	gen, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm backend: %w", err)
	}
	synth, voices, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("init tts backend: %w", err)
	}

	if hc, ok := synth.(tts.HealthChecker); ok {
		r.ttsHealth = hc
	}

	files := audio.NewStore(r.cfg.Storage.AudioDir, r.cfg.Storage.AudioFormat).
		WithPCM(audio.PCM{SampleRate: r.cfg.TTS.SampleRate, Channels: r.cfg.TTS.Channels})
	r.assembler = audio.NewAssembler(files, st, r.logger)

	p, err := pipeline.New(r.cfg.Pipeline, pipeline.Deps{
		Store:        st,
		Resolver:     llm.NewAttributor(gen, r.cfg.LLM),
		Annotator:    llm.NewAnnotator(gen, r.cfg.LLM),
		Synthesizer:  synth,
		Audio:        files,
		Notifier:     notifier,
		Logger:       r.logger,
		DefaultVoice: r.cfg.TTS.DefaultVoice,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	r.pipeline = p
	if err := p.Start(ctx); err != nil {
		return err
	}
	r.resume(ctx)

	if r.bus != nil {
		r.control = control.NewService(ctx, r.bus, p, st, voices, r.logger).WithDefaultVoice(r.cfg.TTS.DefaultVoice)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("start control service: %w", err)
		}
		reg, err := presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.backends(), r.localStats, r.logger)
		if err != nil {
			return fmt.Errorf("start presence registry: %w", err)
		}
		r.presence = reg
	}
	return nil
}

func (r *Runtime) backends() []protocol.Backend {
	return []protocol.Backend{
		{Kind: "llm", Mode: r.cfg.LLM.Mode, Model: r.cfg.LLM.Model, Endpoint: r.cfg.LLM.Endpoint},
		{Kind: "tts", Mode: r.cfg.TTS.Mode, Endpoint: r.cfg.TTS.Endpoint},
	}
}

func (r *Runtime) localStats() protocol.StatsReply {
	st := r.pipeline.Stats()
	return protocol.StatsReply{
		AttributionQueue: st.AttributionQueue,
		StressQueue:      st.StressQueue,
		SynthesisQueue:   st.SynthesisQueue,
		LLMAvailable:     st.LLMAvailable,
		TTSAvailable:     st.TTSAvailable,
	}
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	if err := client.EnsureStream(protocol.EventStream, []string{protocol.SubjectSentenceEvt + ".>"}, eventRetention); err != nil {
		r.logger.Warn("failed to ensure event stream", slog.String("error", err.Error()))
	}
	return nil
}

// resume requeues the unfinished sentences of every book. Queues live in
// memory, so a fresh process starts empty.
func (r *Runtime) resume(ctx context.Context) {
	books, err := r.store.ListBooks(ctx)
	if err != nil {
		r.logger.Warn("failed to list books for resume", slog.String("error", err.Error()))
		return
	}
	for _, b := range books {
		if _, err := r.pipeline.Restart(ctx, b.ID); err != nil {
			r.logger.Warn("failed to resume book", slog.Int64("book_id", b.ID), slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return err
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /stats", r.handleStats)
	mux.HandleFunc("GET /books/{book}/progress", r.handleProgress)
	mux.HandleFunc("POST /books/{book}/restart", r.handleRestart)
	mux.HandleFunc("DELETE /books/{book}", r.handleDeleteBook)
	mux.HandleFunc("GET /books/{book}/archive", r.handleArchive)
	mux.HandleFunc("GET /chapters/{chapter}", r.handleChapter)
	mux.HandleFunc("GET /chapters/{chapter}/audio", r.handleChapterAudio)
	mux.HandleFunc("GET /sentences", r.handleSentences)
	mux.HandleFunc("GET /sentences/{sentence}/journal", r.handleJournal)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	switch {
	case !r.ready.Load():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	case r.store.Ping(ctx) != nil:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
	case r.ttsHealth != nil && !r.ttsHealth.Healthy(ctx):
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("tts backend unhealthy"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.pipeline.Stats())
}

func (r *Runtime) handleProgress(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "book")
	if !ok {
		return
	}
	progress, err := r.store.BookProgress(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (r *Runtime) handleRestart(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "book")
	if !ok {
		return
	}
	n, err := r.pipeline.Restart(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

func (r *Runtime) handleDeleteBook(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "book")
	if !ok {
		return
	}
	if err := r.pipeline.DeleteBook(req.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChapter reports how many sentences of a chapter are ready.
func (r *Runtime) handleChapter(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "chapter")
	if !ok {
		return
	}
	ctx := req.Context()
	ch, err := r.store.GetChapter(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	total, err := r.store.CountByChapter(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	ready, err := r.store.CountByChapterAndStatus(ctx, id, model.StatusReady)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ChapterProgress{
		ChapterID: ch.ID,
		Number:    ch.Number,
		Title:     ch.Title,
		Total:     total,
		Ready:     ready,
	})
}

// handleSentences lists sentences in one status, e.g. the ones a failure
// stranded in GENERATING_TTS.
func (r *Runtime) handleSentences(w http.ResponseWriter, req *http.Request) {
	status, err := model.ParseStatus(req.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	sentences, err := r.store.ListSentencesByStatus(req.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if sentences == nil {
		sentences = []model.Sentence{}
	}
	writeJSON(w, http.StatusOK, sentences)
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "sentence")
	if !ok {
		return
	}
	ctx := req.Context()
	if _, err := r.store.GetSentence(ctx, id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	journal, err := r.store.ListTransitions(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if journal == nil {
		journal = []model.Transition{}
	}
	writeJSON(w, http.StatusOK, journal)
}

func (r *Runtime) handleChapterAudio(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "chapter")
	if !ok {
		return
	}
	data, err := r.assembler.AssembleChapter(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (r *Runtime) handleArchive(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req, "book")
	if !ok {
		return
	}
	ctx := req.Context()
	if _, err := r.store.GetBook(ctx, id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	plan, err := r.assembler.PlanArchive(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=book_%d.zip", id))
	if _, err := plan.Write(w); err != nil {
		// the status line is already sent; the truncated archive is unreadable
		r.logger.Warn("book archive failed", slog.Int64("book_id", id), slog.String("error", err.Error()))
	}
}

func pathID(w http.ResponseWriter, req *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name+" id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrNoReadySentences):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
