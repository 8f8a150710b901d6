package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return newTestRuntimeWith(t, nil)
}

func newTestRuntimeWith(t *testing.T, mutate func(*config.Config)) *Runtime {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Store.Path = filepath.Join(dir, "narrator.db")
	cfg.Storage.AudioDir = filepath.Join(dir, "audio")
	cfg.Pipeline.FailureBackoffMS = 10
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.startComponents(ctx); err != nil {
		cancel()
		t.Fatalf("start components: %v", err)
	}
	r.ready.Store(true)
	t.Cleanup(func() {
		cancel()
		_ = r.shutdown()
	})
	return r
}

func waitNarrated(t *testing.T, r *Runtime, bookID int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := r.store.BookProgress(context.Background(), bookID)
		if err != nil {
			t.Fatal(err)
		}
		if progress.ProgressPercent == 100 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("book %d was not narrated in time", bookID)
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestBookIsNarratedEndToEnd(t *testing.T) {
	r := newTestRuntime(t)
	book, n, err := r.pipeline.IngestBook(context.Background(), pipeline.Manuscript{
		Title: "Повести Белкина",
		Chapters: []pipeline.ManuscriptChapter{
			{Title: "Выстрел", Sentences: []string{"Мы стояли в местечке.", "Привет, сказал Иван."}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("ingested %d sentences, want 2", n)
	}
	waitNarrated(t, r, book.ID)

	sentences, err := r.store.ListSentencesByBook(context.Background(), book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sentences[1].StressedText != "При+вет, ска+зал И+ван." {
		t.Fatalf("stressed text = %q", sentences[1].StressedText)
	}

	h := r.routes()
	rec := get(t, h, http.MethodGet, "/books/1/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status %d: %s", rec.Code, rec.Body)
	}
	var progress model.BookProgress
	if err := json.NewDecoder(rec.Body).Decode(&progress); err != nil {
		t.Fatal(err)
	}
	if progress.ReadySentences != 2 || progress.ReadyChapters != 1 {
		t.Fatalf("unexpected progress %+v", progress)
	}

	rec = get(t, h, http.MethodGet, "/chapters/1/audio")
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("chapter audio status %d, %d bytes", rec.Code, rec.Body.Len())
	}

	rec = get(t, h, http.MethodGet, "/books/1/archive")
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status %d", rec.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("archive holds %d files, want 1", len(zr.File))
	}
}

func TestStatsAndRestartEndpoints(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()

	rec := get(t, h, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	var stats pipeline.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}

	rec = get(t, h, http.MethodPost, "/books/42/restart")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("restart of missing book status %d", rec.Code)
	}
	book, err := r.store.CreateBook(context.Background(), "Пустая", "")
	if err != nil {
		t.Fatal(err)
	}
	rec = get(t, h, http.MethodPost, "/books/"+strconv.FormatInt(book.ID, 10)+"/restart")
	if rec.Code != http.StatusOK {
		t.Fatalf("restart of empty book status %d: %s", rec.Code, rec.Body)
	}
	rec = get(t, h, http.MethodPost, "/books/abc/restart")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("restart with bad id status %d", rec.Code)
	}
	rec = get(t, h, http.MethodGet, "/books/42/progress")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("progress of missing book status %d", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()
	if rec := get(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rec.Code)
	}
	r.ready.Store(false)
	if rec := get(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status %d after stop", rec.Code)
	}
}

func TestArchiveRejectsBeforeStreaming(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()

	rec := get(t, h, http.MethodGet, "/books/42/archive")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("archive of missing book status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "application/zip" {
		t.Fatal("missing book answered with a zip content type")
	}

	ctx := context.Background()
	book, err := r.store.CreateBook(ctx, "Черновик", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.store.CreateChapter(ctx, book.ID, 1, "Первая"); err != nil {
		t.Fatal(err)
	}
	rec = get(t, h, http.MethodGet, "/books/"+strconv.FormatInt(book.ID, 10)+"/archive")
	if rec.Code != http.StatusConflict {
		t.Fatalf("archive of unnarrated book status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "application/zip" {
		t.Fatal("unnarrated book answered with a zip content type")
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Fatal("unnarrated book answered with an attachment")
	}
}

func TestDeleteBookEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()
	book, _, err := r.pipeline.IngestBook(context.Background(), pipeline.Manuscript{
		Title:    "Удаляемая",
		Chapters: []pipeline.ManuscriptChapter{{Title: "Одна", Sentences: []string{"Раз."}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitNarrated(t, r, book.ID)

	path := "/books/" + strconv.FormatInt(book.ID, 10)
	if rec := get(t, h, http.MethodDelete, path); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, http.MethodGet, path+"/progress"); rec.Code != http.StatusNotFound {
		t.Fatalf("progress after delete status %d", rec.Code)
	}
	if rec := get(t, h, http.MethodDelete, path); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d", rec.Code)
	}
}

func TestInspectionEndpoints(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()
	book, _, err := r.pipeline.IngestBook(context.Background(), pipeline.Manuscript{
		Title:    "Повести",
		Chapters: []pipeline.ManuscriptChapter{{Title: "Метель", Sentences: []string{"Раз.", "Два."}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitNarrated(t, r, book.ID)

	rec := get(t, h, http.MethodGet, "/chapters/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("chapter status %d: %s", rec.Code, rec.Body)
	}
	var chapter model.ChapterProgress
	if err := json.NewDecoder(rec.Body).Decode(&chapter); err != nil {
		t.Fatal(err)
	}
	if chapter.Title != "Метель" || chapter.Total != 2 || chapter.Ready != 2 {
		t.Fatalf("unexpected chapter %+v", chapter)
	}
	if rec := get(t, h, http.MethodGet, "/chapters/99"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing chapter status %d", rec.Code)
	}

	rec = get(t, h, http.MethodGet, "/sentences?status=READY&limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("sentences status %d: %s", rec.Code, rec.Body)
	}
	var ready []model.Sentence
	if err := json.NewDecoder(rec.Body).Decode(&ready); err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].Status != model.StatusReady {
		t.Fatalf("ready sentences %+v", ready)
	}
	rec = get(t, h, http.MethodGet, "/sentences?status=GENERATING_TTS")
	if rec.Code != http.StatusOK || bytes.TrimSpace(rec.Body.Bytes())[0] != '[' {
		t.Fatalf("empty listing status %d: %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, http.MethodGet, "/sentences?status=bogus"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter answered %d", rec.Code)
	}

	rec = get(t, h, http.MethodGet, "/sentences/1/journal")
	if rec.Code != http.StatusOK {
		t.Fatalf("journal status %d: %s", rec.Code, rec.Body)
	}
	var journal []model.Transition
	if err := json.NewDecoder(rec.Body).Decode(&journal); err != nil {
		t.Fatal(err)
	}
	if len(journal) == 0 || journal[len(journal)-1].To != model.StatusReady {
		t.Fatalf("journal %+v", journal)
	}
	if rec := get(t, h, http.MethodGet, "/sentences/99/journal"); rec.Code != http.StatusNotFound {
		t.Fatalf("journal of missing sentence status %d", rec.Code)
	}
}

func TestReadinessFollowsTTSHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	tts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/health" || !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(tts.Close)

	r := newTestRuntimeWith(t, func(cfg *config.Config) {
		cfg.TTS.Mode = "http"
		cfg.TTS.Endpoint = tts.URL
	})
	h := r.routes()
	if rec := get(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz status %d: %s", rec.Code, rec.Body)
	}
	healthy.Store(false)
	rec := get(t, h, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing tts status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tts") {
		t.Fatalf("readyz body %q", rec.Body)
	}
}
