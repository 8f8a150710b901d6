package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/model"
)

type scriptedGenerator struct {
	answer string
	err    error
	last   Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.last = req
	if g.err != nil {
		return g.err
	}
	// split the answer to exercise chunk accumulation
	mid := len(g.answer) / 2
	for mid > 0 && mid < len(g.answer) && !isRuneStart(g.answer[mid]) {
		mid++
	}
	if err := consumer(Chunk{Content: g.answer[:mid], Partial: true}); err != nil {
		return err
	}
	return consumer(Chunk{Content: g.answer[mid:]})
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func TestResolveSpeakerExtractsFirstWord(t *testing.T) {
	cases := []struct {
		answer string
		want   string
	}{
		{"Иван", "Иван"},
		{"«Иван»", "Иван"},
		{"\"Иван Петрович\" говорит", "Иван"},
		{"  Наташа.\n", "Наташа"},
		{"Автор", model.NarratorName},
		{"«»", model.NarratorName},
	}
	for _, tc := range cases {
		gen := &scriptedGenerator{answer: tc.answer}
		got, err := NewAttributor(gen, config.Default().LLM).ResolveSpeaker(context.Background(), "Привет, сказал Иван.", nil)
		if err != nil {
			t.Fatalf("%q: %v", tc.answer, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.answer, got, tc.want)
		}
	}
}

func TestResolveSpeakerPromptListsKnownNames(t *testing.T) {
	gen := &scriptedGenerator{answer: "Пьер"}
	_, err := NewAttributor(gen, config.Default().LLM).ResolveSpeaker(context.Background(), "Да.", []string{"Пьер", "Наташа"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gen.last.Prompt, "Известные персонажи: Пьер, Наташа.") {
		t.Fatalf("prompt missing known speakers: %s", gen.last.Prompt)
	}
	if gen.last.Purpose != PurposeAttribution || gen.last.Text != "Да." {
		t.Fatalf("unexpected request %+v", gen.last)
	}

	gen = &scriptedGenerator{answer: "Пьер"}
	_, _ = NewAttributor(gen, config.Default().LLM).ResolveSpeaker(context.Background(), "Да.", nil)
	if strings.Contains(gen.last.Prompt, "Известные персонажи") {
		t.Fatal("prompt lists speakers when none are known")
	}
}

func TestResolveSpeakerFailures(t *testing.T) {
	boom := errors.New("backend down")
	_, err := NewAttributor(&scriptedGenerator{err: boom}, config.Default().LLM).ResolveSpeaker(context.Background(), "x", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	_, err = NewAttributor(&scriptedGenerator{answer: "  "}, config.Default().LLM).ResolveSpeaker(context.Background(), "x", nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestAnnotateStripsQuotes(t *testing.T) {
	gen := &scriptedGenerator{answer: "«При+вет, ска+зал И+ван.»"}
	got, err := NewAnnotator(gen, config.Default().LLM).Annotate(context.Background(), "Привет, сказал Иван.")
	if err != nil {
		t.Fatal(err)
	}
	if got != "При+вет, ска+зал И+ван." {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(gen.last.Prompt, "Текст: \"Привет, сказал Иван.\"") {
		t.Fatalf("prompt missing text: %s", gen.last.Prompt)
	}
}

func TestAnnotateRejectsEmpty(t *testing.T) {
	_, err := NewAnnotator(&scriptedGenerator{answer: "\"\""}, config.Default().LLM).Annotate(context.Background(), "x")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestMockGeneratorAnswersByPurpose(t *testing.T) {
	gen := NewMockGenerator()
	name, err := NewAttributor(gen, config.Default().LLM).ResolveSpeaker(context.Background(), "Привет, сказал Иван.", nil)
	if err != nil || name != model.NarratorName {
		t.Fatalf("speaker = %q, %v", name, err)
	}
	stressed, err := NewAnnotator(gen, config.Default().LLM).Annotate(context.Background(), "Привет, сказал Иван.")
	if err != nil {
		t.Fatal(err)
	}
	if stressed != "При+вет, ска+зал И+ван." {
		t.Fatalf("stressed = %q", stressed)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"Ив","done":false}`)
		fmt.Fprintln(w, `{"response":"ан","done":true,"eval_count":2,"prompt_eval_count":40}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "qwen2.5:7b")
	name, err := NewAttributor(gen, config.Default().LLM).ResolveSpeaker(context.Background(), "Привет, сказал Иван.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Иван" {
		t.Fatalf("name = %q", name)
	}
	if got.Model != "qwen2.5:7b" || !got.Stream || got.Prompt == "" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	cfg := config.Default().LLM
	if _, err := NewGenerator(cfg); err != nil {
		t.Fatalf("mock: %v", err)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "telepathy"
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
