package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loqalabs/loqa-narrator/internal/model"
)

// ErrNoReadySentences is returned when a chapter has nothing to assemble yet.
var ErrNoReadySentences = errors.New("no ready sentences in chapter")

// Catalog is the read side of persistence the assembler needs.
type Catalog interface {
	ListChapters(ctx context.Context, bookID int64) ([]model.Chapter, error)
	ListSentencesByChapter(ctx context.Context, chapterID int64) ([]model.Sentence, error)
}

// Assembler joins sentence audio into chapters and books.
type Assembler struct {
	files   *Store
	catalog Catalog
	logger  *slog.Logger
	clock   func() time.Time
}

func NewAssembler(files *Store, catalog Catalog, logger *slog.Logger) *Assembler {
	return &Assembler{
		files:   files,
		catalog: catalog,
		logger:  logger.With(slog.String("component", "audio-assembler")),
		clock:   time.Now,
	}
}

// AssembleChapter joins the audio of every READY sentence of a chapter in
// ordinal order. WAV parts are decoded and re-encoded as one file; other
// formats are concatenated as they are. Sentences still in the pipeline are
// skipped; a READY sentence whose file is gone fails the whole assembly.
func (a *Assembler) AssembleChapter(ctx context.Context, chapterID int64) ([]byte, error) {
	ready, err := a.readyPaths(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return a.join(ready)
}

type readyAudio struct {
	chapterID int64
	paths     []string
}

func (a *Assembler) readyPaths(ctx context.Context, chapterID int64) (readyAudio, error) {
	sentences, err := a.catalog.ListSentencesByChapter(ctx, chapterID)
	if err != nil {
		return readyAudio{}, err
	}
	ready := readyAudio{chapterID: chapterID}
	for _, sen := range sentences {
		if sen.Status != model.StatusReady || sen.AudioPath == "" {
			continue
		}
		ready.paths = append(ready.paths, sen.AudioPath)
	}
	if len(ready.paths) == 0 {
		return readyAudio{}, fmt.Errorf("chapter %d: %w", chapterID, ErrNoReadySentences)
	}
	if len(ready.paths) != len(sentences) {
		a.logger.Warn("chapter assembled partially",
			slog.Int64("chapter_id", chapterID),
			slog.Int("sentences", len(sentences)),
			slog.Int("ready", len(ready.paths)))
	}
	return ready, nil
}

func (a *Assembler) join(ready readyAudio) ([]byte, error) {
	parts := make([][]byte, 0, len(ready.paths))
	for _, path := range ready.paths {
		data, err := a.files.Read(path)
		if err != nil {
			return nil, fmt.Errorf("chapter %d: %w", ready.chapterID, err)
		}
		parts = append(parts, data)
	}
	if a.files.Format() == "wav" {
		out, err := a.files.joinWAV(parts)
		if err != nil {
			return nil, fmt.Errorf("chapter %d: %w", ready.chapterID, err)
		}
		return out, nil
	}
	var out []byte
	for _, data := range parts {
		out = append(out, data...)
	}
	return out, nil
}

// Archive is a book whose chapter audio has been located but not yet read.
type Archive struct {
	a        *Assembler
	chapters []model.Chapter
	audio    []readyAudio
}

// PlanArchive finds the chapters of a book that have audio and checks their
// files are on disk. It fails with ErrNoReadySentences when there are none.
func (a *Assembler) PlanArchive(ctx context.Context, bookID int64) (*Archive, error) {
	chapters, err := a.catalog.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	plan := &Archive{a: a}
	for _, ch := range chapters {
		ready, err := a.readyPaths(ctx, ch.ID)
		if errors.Is(err, ErrNoReadySentences) {
			a.logger.Info("chapter skipped in archive", slog.Int64("chapter_id", ch.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, path := range ready.paths {
			if err := a.files.Stat(path); err != nil {
				return nil, fmt.Errorf("chapter %d: %w", ch.ID, err)
			}
		}
		plan.chapters = append(plan.chapters, ch)
		plan.audio = append(plan.audio, ready)
	}
	if len(plan.chapters) == 0 {
		return nil, fmt.Errorf("book %d: %w", bookID, ErrNoReadySentences)
	}
	return plan, nil
}

// Chapters is the number of entries the archive will hold.
func (ar *Archive) Chapters() int { return len(ar.chapters) }

// Write streams the zip to w, one entry per planned chapter.
func (ar *Archive) Write(w io.Writer) (int, error) {
	zw := zip.NewWriter(w)
	written := 0
	for i, ch := range ar.chapters {
		data, err := ar.a.join(ar.audio[i])
		if err != nil {
			zw.Close()
			return written, err
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     ChapterFileName(ch, ar.a.files.Format()),
			Method:   zip.Store,
			Modified: ar.a.clock(),
		})
		if err != nil {
			zw.Close()
			return written, err
		}
		if _, err := entry.Write(data); err != nil {
			zw.Close()
			return written, err
		}
		written++
	}
	return written, zw.Close()
}

// ArchiveBook writes a zip with one entry per chapter that has audio. Chapters
// without ready sentences are left out.
func (a *Assembler) ArchiveBook(ctx context.Context, bookID int64, w io.Writer) (int, error) {
	plan, err := a.PlanArchive(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return plan.Write(w)
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9а-яА-ЯёЁ\s\-_.]`)
var spaces = regexp.MustCompile(`\s+`)

// ChapterFileName is the archive entry name of a chapter, e.g.
// "Chapter_03_Бородино.mp3".
func ChapterFileName(ch model.Chapter, format string) string {
	title := strings.TrimSpace(unsafeName.ReplaceAllString(ch.Title, ""))
	if title == "" {
		title = "Unknown"
	}
	title = spaces.ReplaceAllString(title, "_")
	return fmt.Sprintf("Chapter_%02d_%s.%s", ch.Number, title, format)
}
