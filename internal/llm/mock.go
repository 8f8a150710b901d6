package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/model"
)

type mockGenerator struct{}

// NewMockGenerator answers attribution prompts with the narrator and stress
// prompts with the first vowel of every word marked.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	var content string
	switch req.Purpose {
	case PurposeAttribution:
		content = model.NarratorName
	case PurposeStress:
		content = markFirstVowels(req.Text)
	default:
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
		TraceID: req.TraceID,
	})
}

const vowels = "аеёиоуыэюяАЕЁИОУЫЭЮЯaeiouyAEIOUY"

func markFirstVowels(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		for j, r := range w {
			if strings.ContainsRune(vowels, r) {
				end := j + len(string(r))
				words[i] = w[:end] + "+" + w[end:]
				break
			}
		}
	}
	return strings.Join(words, " ")
}
