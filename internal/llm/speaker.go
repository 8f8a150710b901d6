package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/model"
)

// ErrEmptyResponse is returned when the model answered with nothing usable.
var ErrEmptyResponse = errors.New("empty model response")

// Attributor decides who speaks a sentence.
type Attributor struct {
	gen Generator
	cfg config.LLMConfig
}

func NewAttributor(gen Generator, cfg config.LLMConfig) *Attributor {
	return &Attributor{gen: gen, cfg: cfg}
}

// ResolveSpeaker returns a known name, a newly invented one, or the narrator.
func (a *Attributor) ResolveSpeaker(ctx context.Context, text string, known []string) (string, error) {
	req := requestFromConfig(a.cfg, PurposeAttribution)
	req.Text = text
	req.Prompt = speakerPrompt(text, known)
	out, err := Complete(ctx, a.gen, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return extractSpeaker(out), nil
}

func speakerPrompt(text string, known []string) string {
	var b strings.Builder
	b.WriteString("Определи, какой персонаж произносит это предложение: \"")
	b.WriteString(text)
	b.WriteString("\".\n")
	if len(known) > 0 {
		b.WriteString("Известные персонажи: ")
		b.WriteString(strings.Join(known, ", "))
		b.WriteString(".\n")
		b.WriteString("Если это один из известных персонажей, используй точное имя из списка.\n")
	}
	b.WriteString("Если это новый персонаж, придумай подходящее имя.\n")
	b.WriteString("Если это авторская речь или повествование, ответь \"" + model.NarratorName + "\".\n")
	b.WriteString("Ответь только именем персонажа, без дополнительных объяснений.")
	return b.String()
}

var quoteStripper = strings.NewReplacer("\"", "", "'", "", "«", "", "»", "")

// extractSpeaker keeps the first word of the answer with quotes removed.
func extractSpeaker(out string) string {
	words := strings.Fields(quoteStripper.Replace(out))
	if len(words) == 0 {
		return model.NarratorName
	}
	name := strings.TrimRight(words[0], ".,:;!?")
	if name == "" {
		return model.NarratorName
	}
	return name
}
