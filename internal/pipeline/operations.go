package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/store"
)

// SubmitRequest adds one sentence to the end of a chapter.
type SubmitRequest struct {
	ChapterID int64
	Text      string
}

// Manuscript is a book already split into chapters and sentences.
type Manuscript struct {
	Title    string
	Author   string
	Chapters []ManuscriptChapter
}

type ManuscriptChapter struct {
	Title     string
	Sentences []string
}

// Submit persists a new sentence in WAITING_FOR_CHARACTER and queues it for
// attribution.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return 0, errors.New("sentence text must not be empty")
	}
	sen, err := p.store.CreateSentence(ctx, req.ChapterID, 0, text)
	if err != nil {
		return 0, fmt.Errorf("create sentence: %w", err)
	}
	known, err := p.store.CharacterNames(ctx, sen.BookID)
	if err != nil {
		return sen.ID, fmt.Errorf("load speakers of book %d: %w", sen.BookID, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.attribution.Enqueue(attributionTask(sen, known)); err != nil {
		return sen.ID, fmt.Errorf("enqueue sentence %d: %w", sen.ID, err)
	}
	return sen.ID, nil
}

// IngestBook creates the book with its chapters and submits every sentence in
// reading order. Blank sentences are skipped.
func (p *Pipeline) IngestBook(ctx context.Context, m Manuscript) (model.Book, int, error) {
	if strings.TrimSpace(m.Title) == "" {
		return model.Book{}, 0, errors.New("book title must not be empty")
	}
	book, err := p.store.CreateBook(ctx, m.Title, m.Author)
	if err != nil {
		return model.Book{}, 0, err
	}
	submitted := 0
	for i, mc := range m.Chapters {
		ch, err := p.store.CreateChapter(ctx, book.ID, i+1, mc.Title)
		if err != nil {
			return book, submitted, err
		}
		for _, text := range mc.Sentences {
			if strings.TrimSpace(text) == "" {
				continue
			}
			if _, err := p.Submit(ctx, SubmitRequest{ChapterID: ch.ID, Text: text}); err != nil {
				return book, submitted, err
			}
			submitted++
		}
	}
	p.logger.Info("book ingested",
		slog.Int64("book_id", book.ID),
		slog.Int("chapters", len(m.Chapters)),
		slog.Int("sentences", submitted))
	return book, submitted, nil
}

// Restart puts every unfinished sentence of a book back into the queue of its
// current stage. Claimed sentences are reset to that stage's waiting status,
// and tasks already queued for the book are replaced, so repeating the call
// leaves the queues unchanged. A sentence that cannot be reset is reported in
// the returned error while the rest are still queued. It returns the number of
// sentences queued.
func (p *Pipeline) Restart(ctx context.Context, bookID int64) (int, error) {
	if _, err := p.store.GetBook(ctx, bookID); err != nil {
		return 0, fmt.Errorf("book %d: %w", bookID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// read under the exclusive lock so no worker commit lands in between
	sentences, err := p.store.ListSentencesByBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	known, err := p.store.CharacterNames(ctx, bookID)
	if err != nil {
		return 0, err
	}
	removed := p.dropQueued(sentences)

	voices := make(map[int64]string)
	var errs []error
	queued, reset := 0, 0
	for _, sen := range sentences {
		sen, changed, err := p.rewind(ctx, sen)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sen.Status.Stage() == model.StageNone {
			continue
		}
		if changed {
			reset++
		}
		if err := p.enqueueFor(ctx, sen, known, voices); err != nil {
			errs = append(errs, err)
			continue
		}
		queued++
	}
	p.logger.Info("book restarted",
		slog.Int64("book_id", bookID),
		slog.Int("queued", queued),
		slog.Int("reset", reset),
		slog.Int("replaced", removed),
		slog.Int("failed", len(errs)))
	return queued, errors.Join(errs...)
}

// rewind moves a claimed sentence back to its stage's waiting status and
// reports whether it changed anything. A sentence saved by another writer since
// it was read is reloaded once and rewound from its stored status.
func (p *Pipeline) rewind(ctx context.Context, sen model.Sentence) (model.Sentence, bool, error) {
	for attempt := 0; ; attempt++ {
		target, ok := model.RestartStatus(sen.Status)
		if !ok || sen.Status == target {
			return sen, false, nil
		}
		from := sen.Status
		sen.Status = target
		err := p.store.SaveSentence(ctx, sen, from, "restart")
		if err == nil {
			p.bump(sen.ID)
			p.notify(ctx, sen, from, "restart")
			return sen, true, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt > 0 {
			return sen, false, fmt.Errorf("reset sentence %d: %w", sen.ID, err)
		}
		if sen, err = p.store.GetSentence(ctx, sen.ID); err != nil {
			return sen, false, fmt.Errorf("reload sentence %d: %w", sen.ID, err)
		}
	}
}

// dropQueued removes every queued task of the given sentences.
func (p *Pipeline) dropQueued(sentences []model.Sentence) int {
	ids := make(map[int64]struct{}, len(sentences))
	for _, sen := range sentences {
		ids[sen.ID] = struct{}{}
	}
	has := func(id int64) bool { _, ok := ids[id]; return ok }
	return p.attribution.Remove(func(t model.AttributionTask) bool { return has(t.SentenceID) }) +
		p.stress.Remove(func(t model.StressTask) bool { return has(t.SentenceID) }) +
		p.synthesis.Remove(func(t model.SynthesisTask) bool { return has(t.SentenceID) })
}

// DeleteBook drops the book's queued tasks, removes the book with everything
// recorded for it and deletes its sentence audio. Calls already in flight for
// the book finish but their results are discarded.
func (p *Pipeline) DeleteBook(ctx context.Context, bookID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sentences, err := p.store.ListSentencesByBook(ctx, bookID)
	if err != nil {
		return err
	}
	if err := p.store.DeleteBook(ctx, bookID); err != nil {
		return fmt.Errorf("book %d: %w", bookID, err)
	}
	removed := p.dropQueued(sentences)
	files := 0
	for _, sen := range sentences {
		p.forget(sen.ID)
		if sen.AudioPath == "" {
			continue
		}
		if err := p.audio.Remove(sen.AudioPath); err != nil {
			p.logger.Warn("failed to remove sentence audio",
				slog.Int64("sentence_id", sen.ID), slogError(err))
			continue
		}
		files++
	}
	p.logger.Info("book deleted",
		slog.Int64("book_id", bookID),
		slog.Int("sentences", len(sentences)),
		slog.Int("dropped_tasks", removed),
		slog.Int("audio_files", files))
	return nil
}

func (p *Pipeline) enqueueFor(ctx context.Context, sen model.Sentence, known []string, voices map[int64]string) error {
	var err error
	switch sen.Status.Stage() {
	case model.StageAttribution:
		err = p.attribution.Enqueue(attributionTask(sen, known))
	case model.StageStress:
		err = p.stress.Enqueue(model.StressTask{SentenceID: sen.ID, Text: sen.Text})
	case model.StageSynthesis:
		var task model.SynthesisTask
		if task, err = p.synthesisTask(ctx, sen, voices); err == nil {
			err = p.synthesis.Enqueue(task)
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue sentence %d: %w", sen.ID, err)
	}
	return nil
}

// SetSpeakerVoice edits a speaker. Queued synthesis tasks keep the voice they
// were built with until the book is restarted.
func (p *Pipeline) SetSpeakerVoice(ctx context.Context, characterID int64, voiceID, voiceName, description string) (model.Character, error) {
	char, err := p.store.GetCharacter(ctx, characterID)
	if err != nil {
		return model.Character{}, err
	}
	char.VoiceID = voiceID
	char.VoiceName = voiceName
	char.Description = description
	return p.store.UpdateCharacter(ctx, char)
}

func attributionTask(sen model.Sentence, known []string) model.AttributionTask {
	return model.AttributionTask{
		SentenceID:    sen.ID,
		BookID:        sen.BookID,
		Text:          sen.Text,
		KnownSpeakers: append([]string(nil), known...),
	}
}
