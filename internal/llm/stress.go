package llm

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Annotator marks stressed vowels with a '+' placed after the vowel.
type Annotator struct {
	gen Generator
	cfg config.LLMConfig
}

func NewAnnotator(gen Generator, cfg config.LLMConfig) *Annotator {
	return &Annotator{gen: gen, cfg: cfg}
}

func (a *Annotator) Annotate(ctx context.Context, text string) (string, error) {
	req := requestFromConfig(a.cfg, PurposeStress)
	req.Text = text
	req.Prompt = stressPrompt(text)
	out, err := Complete(ctx, a.gen, req)
	if err != nil {
		return "", err
	}
	annotated := trimQuotes(strings.TrimSpace(out))
	if annotated == "" {
		return "", ErrEmptyResponse
	}
	return annotated, nil
}

func stressPrompt(text string) string {
	return "Расставь ударения в русском тексте, используя символ + после ударной гласной. " +
		"Например: 'приве+т' для слова 'привет'. " +
		"Текст: \"" + text + "\". " +
		"Ответь только текстом с расставленными ударениями, без дополнительных объяснений."
}

const quoteChars = "\"'«»"

// trimQuotes drops at most one quote character from each end.
func trimQuotes(s string) string {
	for _, q := range quoteChars {
		if strings.HasPrefix(s, string(q)) {
			s = strings.TrimPrefix(s, string(q))
			break
		}
	}
	for _, q := range quoteChars {
		if strings.HasSuffix(s, string(q)) {
			s = strings.TrimSuffix(s, string(q))
			break
		}
	}
	return strings.TrimSpace(s)
}
