package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/store"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// callCounter tracks concurrent calls against one backend.
type callCounter struct {
	inFlight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
}

func (p *callCounter) enter() {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	for {
		old := p.max.Load()
		if n <= old || p.max.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *callCounter) leave() { p.inFlight.Add(-1) }

type fakeResolver struct {
	calls  *callCounter
	delay  time.Duration
	answer func(text string, call int32) (string, error)
	// when set, every call announces itself and waits for a release
	started chan string
	release chan struct{}
}

func (f *fakeResolver) ResolveSpeaker(ctx context.Context, text string, known []string) (string, error) {
	f.calls.enter()
	defer f.calls.leave()
	call := f.calls.calls.Load()
	if f.started != nil {
		f.started <- text
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.answer != nil {
		return f.answer(text, call)
	}
	return "Иван", nil
}

type fakeAnnotator struct {
	calls *callCounter
	delay time.Duration
}

func (f *fakeAnnotator) Annotate(ctx context.Context, text string) (string, error) {
	f.calls.enter()
	defer f.calls.leave()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return "+" + text, nil
}

type fakeSynth struct {
	calls  callCounter
	mu     sync.Mutex
	voices []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	f.calls.enter()
	f.mu.Lock()
	f.voices = append(f.voices, req.Voice)
	f.mu.Unlock()
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error)
	go func() {
		time.Sleep(2 * time.Millisecond)
		chunks <- tts.SynthChunk{Data: []byte("audio:" + req.Voice), Final: true}
		// leave before closing so the caller cannot return while still counted
		f.calls.leave()
		close(chunks)
		close(errs)
	}()
	return chunks, errs
}

func (f *fakeSynth) voicesUsed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.voices...)
}

type recordingNotifier struct {
	mu  sync.Mutex
	trs []model.Transition
}

func (r *recordingNotifier) SentenceChanged(ctx context.Context, tr model.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func (r *recordingNotifier) transitions() []model.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Transition(nil), r.trs...)
}

type harness struct {
	p        *Pipeline
	st       *store.Store
	files    *audio.Store
	book     model.Book
	chapter  model.Chapter
	llm      *callCounter
	resolver *fakeResolver
	synth    *fakeSynth
	notes    *recordingNotifier

	// set by mutate before the pipeline is built
	defaultVoice string
	wrapStore    func(*store.Store) Store
}

func newHarness(t *testing.T, mutate func(*config.PipelineConfig, *harness)) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(t.TempDir(), "narrator.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	book, err := st.CreateBook(ctx, "Война и мир", "Толстой")
	if err != nil {
		t.Fatal(err)
	}
	chapter, err := st.CreateChapter(ctx, book.ID, 1, "Часть первая")
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{st: st, book: book, chapter: chapter, llm: &callCounter{}, synth: &fakeSynth{}, notes: &recordingNotifier{}}
	h.resolver = &fakeResolver{calls: h.llm}
	h.files = audio.NewStore(t.TempDir(), "mp3")

	cfg := config.Default().Pipeline
	cfg.FailureBackoffMS = 5
	cfg.RetryBackoffMS = 1
	if mutate != nil {
		mutate(&cfg, h)
	}

	var backing Store = st
	if h.wrapStore != nil {
		backing = h.wrapStore(st)
	}
	p, err := New(cfg, Deps{
		Store:        backing,
		Resolver:     h.resolver,
		Annotator:    &fakeAnnotator{calls: h.llm},
		Synthesizer:  h.synth,
		Audio:        h.files,
		Notifier:     h.notes,
		Logger:       newLogger(),
		DefaultVoice: h.defaultVoice,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	h.p = p
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) submit(t *testing.T, text string) int64 {
	t.Helper()
	id, err := h.p.Submit(context.Background(), SubmitRequest{ChapterID: h.chapter.ID, Text: text})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func (h *harness) sentence(t *testing.T, id int64) model.Sentence {
	t.Helper()
	sen, err := h.st.GetSentence(context.Background(), id)
	if err != nil {
		t.Fatalf("get sentence %d: %v", id, err)
	}
	return sen
}

func (h *harness) waitStatus(t *testing.T, id int64, want model.Status) model.Sentence {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sen := h.sentence(t, id)
		if sen.Status == want {
			return sen
		}
		if time.Now().After(deadline) {
			t.Fatalf("sentence %d stuck at %s, want %s", id, sen.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSentenceReachesReady(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	id := h.submit(t, "Привет, сказал Иван.")
	sen := h.waitStatus(t, id, model.StatusReady)

	if sen.StressedText == "" || sen.AudioPath == "" || sen.CharacterID == nil {
		t.Fatalf("incomplete sentence %+v", sen)
	}
	char, err := h.st.GetCharacter(context.Background(), *sen.CharacterID)
	if err != nil {
		t.Fatal(err)
	}
	if char.Name != "Иван" && char.Name != model.NarratorName {
		t.Fatalf("unexpected speaker %q", char.Name)
	}
	data, err := os.ReadFile(sen.AudioPath)
	if err != nil {
		t.Fatalf("audio not written: %v", err)
	}
	if string(data) != "audio:"+model.DefaultVoice {
		t.Fatalf("audio = %q", data)
	}

	journal, err := h.st.ListTransitions(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(journal) != 6 {
		t.Fatalf("expected 6 journaled transitions, got %d", len(journal))
	}
	for _, tr := range journal {
		if !model.CanTransition(tr.From, tr.To) {
			t.Fatalf("illegal journaled transition %s -> %s", tr.From, tr.To)
		}
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig, _ *harness) {
		cfg.AttributionWorkers = 3
		cfg.StressWorkers = 2
		cfg.SynthesisWorkers = 2
	})
	h.start(t)

	var ids []int64
	for _, text := range []string{"Раз.", "Два.", "Три.", "Четыре.", "Пять."} {
		ids = append(ids, h.submit(t, text))
	}
	for _, id := range ids {
		h.waitStatus(t, id, model.StatusReady)
	}

	last := make(map[int64]model.Status)
	for _, tr := range h.notes.transitions() {
		if tr.To <= tr.From {
			t.Fatalf("sentence %d moved backwards %s -> %s", tr.SentenceID, tr.From, tr.To)
		}
		if prev, ok := last[tr.SentenceID]; ok && tr.From != prev {
			t.Fatalf("sentence %d: transition from %s after reaching %s", tr.SentenceID, tr.From, prev)
		}
		last[tr.SentenceID] = tr.To
	}
	for _, id := range ids {
		if last[id] != model.StatusReady {
			t.Fatalf("sentence %d last notified %s", id, last[id])
		}
	}
}

func TestGatesAdmitOneCallAtATime(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig, h *harness) {
		cfg.AttributionWorkers = 4
		cfg.StressWorkers = 4
		cfg.SynthesisWorkers = 4
		h.resolver.delay = 2 * time.Millisecond
	})
	h.start(t)

	var ids []int64
	for i := 0; i < 12; i++ {
		ids = append(ids, h.submit(t, "Предложение."))
	}
	for _, id := range ids {
		h.waitStatus(t, id, model.StatusReady)
	}
	if got := h.llm.max.Load(); got != 1 {
		t.Fatalf("llm backend saw %d concurrent calls", got)
	}
	if got := h.synth.calls.max.Load(); got != 1 {
		t.Fatalf("tts backend saw %d concurrent calls", got)
	}
	if got := h.llm.calls.Load(); got != 24 {
		t.Fatalf("expected 24 llm calls, got %d", got)
	}
}

func TestBackToBackAttributionWaitsForRelease(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig, h *harness) {
		cfg.AttributionWorkers = 2
		h.resolver.started = make(chan string, 2)
		h.resolver.release = make(chan struct{})
	})
	h.start(t)

	h.submit(t, "Первое.")
	h.submit(t, "Второе.")

	select {
	case text := <-h.resolver.started:
		if text != "Первое." {
			t.Fatalf("first call for %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first attribution call never issued")
	}
	if h.p.Stats().LLMAvailable {
		t.Fatal("llm gate reported free during a call")
	}
	select {
	case text := <-h.resolver.started:
		t.Fatalf("second call for %q issued while the gate was held", text)
	case <-time.After(50 * time.Millisecond):
	}

	h.resolver.release <- struct{}{}
	select {
	case text := <-h.resolver.started:
		if text != "Второе." {
			t.Fatalf("second call for %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second attribution call never issued after release")
	}
	close(h.resolver.release)
}

func TestFailureStrandsAndRestartRequeues(t *testing.T) {
	h := newHarness(t, func(_ *config.PipelineConfig, h *harness) {
		h.resolver.answer = func(string, int32) (string, error) { return "", errors.New("ollama unreachable") }
	})
	ctx := context.Background()
	id := h.submit(t, "Привет, сказал Иван.")

	task, err := h.p.attribution.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.attribute(ctx, task); err == nil {
		t.Fatal("expected attribution failure")
	}
	if got := h.sentence(t, id).Status; got != model.StatusDeterminingCharacter {
		t.Fatalf("status after failure = %s", got)
	}
	stats := h.p.Stats()
	if stats.AttributionQueue != 0 || stats.StressQueue != 0 || stats.SynthesisQueue != 0 {
		t.Fatalf("unexpected queue depths %+v", stats)
	}
	if !stats.LLMAvailable {
		t.Fatal("llm gate not released after failure")
	}

	n, err := h.p.Restart(ctx, h.book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restart queued %d", n)
	}
	if got := h.sentence(t, id).Status; got != model.StatusWaitingForCharacter {
		t.Fatalf("status after restart = %s", got)
	}
	first := h.p.attribution.Snapshot()
	if len(first) != 1 || first[0].SentenceID != id {
		t.Fatalf("attribution queue after restart = %+v", first)
	}

	if _, err := h.p.Restart(ctx, h.book.ID); err != nil {
		t.Fatal(err)
	}
	second := h.p.attribution.Snapshot()
	if len(second) != 1 || second[0].SentenceID != id || second[0].Text != first[0].Text {
		t.Fatalf("second restart changed the queue: %+v", second)
	}
	if st := h.p.Stats(); st.StressQueue != 0 || st.SynthesisQueue != 0 {
		t.Fatalf("unexpected queue depths %+v", st)
	}
}

func TestWorkerSurvivesFailures(t *testing.T) {
	h := newHarness(t, func(_ *config.PipelineConfig, h *harness) {
		h.resolver.answer = func(text string, _ int32) (string, error) {
			if text == "Сломанное." {
				return "", errors.New("bad gateway")
			}
			return "Наташа", nil
		}
	})
	h.start(t)

	bad := h.submit(t, "Сломанное.")
	good := h.submit(t, "Хорошее.")
	h.waitStatus(t, good, model.StatusReady)
	if got := h.sentence(t, bad).Status; got != model.StatusDeterminingCharacter {
		t.Fatalf("failed sentence at %s", got)
	}
}

func TestBlankSpeakerIsFailure(t *testing.T) {
	h := newHarness(t, func(_ *config.PipelineConfig, h *harness) {
		h.resolver.answer = func(string, int32) (string, error) { return "  ", nil }
	})
	ctx := context.Background()
	id := h.submit(t, "Текст.")
	task, _ := h.p.attribution.Dequeue(ctx)
	if err := h.p.attribute(ctx, task); !errors.Is(err, errEmptyResult) {
		t.Fatalf("expected empty result, got %v", err)
	}
	if got := h.sentence(t, id).Status; got != model.StatusDeterminingCharacter {
		t.Fatalf("status = %s", got)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig, h *harness) {
		cfg.RetryAttempts = 3
		h.resolver.answer = func(_ string, call int32) (string, error) {
			if call < 3 {
				return "", errors.New("timeout")
			}
			return "Пьер", nil
		}
	})
	h.start(t)
	id := h.submit(t, "Да.")
	h.waitStatus(t, id, model.StatusReady)
	// three attribution attempts plus one stress call
	if got := h.llm.calls.Load(); got != 4 {
		t.Fatalf("llm calls = %d", got)
	}
}

func TestRestartResetsEachStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	char, err := h.st.FindOrCreateCharacter(ctx, h.book.ID, "Иван")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.SetSpeakerVoice(ctx, char.ID, "ivan-bass", "Бас", ""); err != nil {
		t.Fatal(err)
	}

	mk := func(status model.Status) int64 {
		sen, err := h.st.CreateSentence(ctx, h.chapter.ID, 0, "Текст "+status.String())
		if err != nil {
			t.Fatal(err)
		}
		if status == model.StatusWaitingForCharacter {
			return sen.ID
		}
		if status > model.StatusDeterminingCharacter {
			sen.CharacterID = &char.ID
		}
		if status >= model.StatusWaitingForTTS {
			sen.StressedText = "Те+кст"
		}
		if status == model.StatusReady {
			sen.AudioPath = "/tmp/done.mp3"
		}
		sen.Status = status
		if err := h.st.SaveSentence(ctx, sen, model.StatusWaitingForCharacter, "seed"); err != nil {
			t.Fatal(err)
		}
		return sen.ID
	}
	determining := mk(model.StatusDeterminingCharacter)
	setting := mk(model.StatusSettingStress)
	generating := mk(model.StatusGeneratingTTS)
	waitingTTS := mk(model.StatusWaitingForTTS)
	ready := mk(model.StatusReady)

	for i := 0; i < 2; i++ {
		n, err := h.p.Restart(ctx, h.book.ID)
		if err != nil {
			t.Fatal(err)
		}
		if n != 4 {
			t.Fatalf("restart %d queued %d", i, n)
		}
		st := h.p.Stats()
		if st.AttributionQueue != 1 || st.StressQueue != 1 || st.SynthesisQueue != 2 {
			t.Fatalf("restart %d: queue depths %+v", i, st)
		}
	}

	want := map[int64]model.Status{
		determining: model.StatusWaitingForCharacter,
		setting:     model.StatusWaitingForStress,
		generating:  model.StatusWaitingForTTS,
		waitingTTS:  model.StatusWaitingForTTS,
		ready:       model.StatusReady,
	}
	for id, status := range want {
		if got := h.sentence(t, id).Status; got != status {
			t.Fatalf("sentence %d = %s, want %s", id, got, status)
		}
	}
	for _, task := range h.p.synthesis.Snapshot() {
		if task.VoiceID != "ivan-bass" || task.Text != "Те+кст" {
			t.Fatalf("unexpected synthesis task %+v", task)
		}
	}
}

func TestStaleResultDiscardedAfterRestart(t *testing.T) {
	h := newHarness(t, func(_ *config.PipelineConfig, h *harness) {
		h.resolver.started = make(chan string, 4)
		h.resolver.release = make(chan struct{})
		h.resolver.answer = func(_ string, call int32) (string, error) {
			if call == 1 {
				return "Устаревший", nil
			}
			return "Иван", nil
		}
	})
	h.start(t)
	ctx := context.Background()
	id := h.submit(t, "Привет, сказал Иван.")

	<-h.resolver.started
	if _, err := h.p.Restart(ctx, h.book.ID); err != nil {
		t.Fatal(err)
	}
	close(h.resolver.release)

	sen := h.waitStatus(t, id, model.StatusReady)
	char, err := h.st.GetCharacter(ctx, *sen.CharacterID)
	if err != nil {
		t.Fatal(err)
	}
	if char.Name != "Иван" {
		t.Fatalf("stale speaker %q persisted", char.Name)
	}
	if got := h.llm.calls.Load(); got != 3 {
		t.Fatalf("llm calls = %d", got)
	}
}

func TestStopLetsInFlightCallFinish(t *testing.T) {
	h := newHarness(t, func(_ *config.PipelineConfig, h *harness) {
		h.resolver.started = make(chan string, 1)
		h.resolver.release = make(chan struct{})
	})
	h.start(t)
	id := h.submit(t, "Последнее.")
	<-h.resolver.started

	stopped := make(chan struct{})
	go func() {
		h.p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while a backend call was outstanding")
	case <-time.After(30 * time.Millisecond):
	}
	close(h.resolver.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop never returned")
	}

	if got := h.sentence(t, id).Status; got != model.StatusWaitingForStress {
		t.Fatalf("status after shutdown = %s", got)
	}
	if st := h.p.Stats(); st.StressQueue != 1 {
		t.Fatalf("stress queue = %d", st.StressQueue)
	}
}

func TestSpeakerVoiceUsedForSynthesis(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	char, err := h.st.FindOrCreateCharacter(ctx, h.book.ID, "Иван")
	if err != nil {
		t.Fatal(err)
	}
	before := h.p.Stats()
	updated, err := h.p.SetSpeakerVoice(ctx, char.ID, "ivan-bass", "Бас", "старый солдат")
	if err != nil {
		t.Fatal(err)
	}
	if updated.VoiceID != "ivan-bass" || updated.Description != "старый солдат" {
		t.Fatalf("unexpected speaker %+v", updated)
	}
	if h.p.Stats() != before {
		t.Fatal("voice edit changed queues")
	}

	h.start(t)
	id := h.submit(t, "Привет, сказал Иван.")
	h.waitStatus(t, id, model.StatusReady)
	voices := h.synth.voicesUsed()
	if len(voices) != 1 || voices[0] != "ivan-bass" {
		t.Fatalf("voices = %v", voices)
	}
	if _, err := h.p.SetSpeakerVoice(ctx, 9999, "x", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestBookQueuesEverySentence(t *testing.T) {
	h := newHarness(t, nil)
	book, n, err := h.p.IngestBook(context.Background(), Manuscript{
		Title:  "Капитанская дочка",
		Author: "Пушкин",
		Chapters: []ManuscriptChapter{
			{Title: "Сержант гвардии", Sentences: []string{"Отец мой.", " ", "Матушка."}},
			{Title: "Вожатый", Sentences: []string{"Приехал."}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("submitted %d", n)
	}
	if got := h.p.Stats().AttributionQueue; got != 3 {
		t.Fatalf("attribution queue = %d", got)
	}
	chapters, err := h.st.ListChapters(context.Background(), book.ID)
	if err != nil || len(chapters) != 2 || chapters[1].Number != 2 {
		t.Fatalf("chapters = %+v, %v", chapters, err)
	}
	if _, err := h.p.Submit(context.Background(), SubmitRequest{ChapterID: chapters[0].ID, Text: "   "}); err == nil {
		t.Fatal("expected error for blank sentence")
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.p.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
	h.p.Stop()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}
