package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/model"
)

const sentenceSelect = `SELECT s.id, s.book_id, s.chapter_id, s.number, s.text, s.stressed_text,
	s.character_id, s.audio_path, s.status, s.created_at, s.updated_at FROM sentences s`

// CreateSentence inserts a sentence in WAITING_FOR_CHARACTER. A zero Number is
// replaced by the next ordinal of the chapter.
func (s *Store) CreateSentence(ctx context.Context, chapterID int64, number int, text string) (_ model.Sentence, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Sentence{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var bookID int64
	if err = tx.QueryRowContext(ctx, `SELECT book_id FROM chapters WHERE id = ?`, chapterID).Scan(&bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return model.Sentence{}, err
	}
	if number <= 0 {
		if err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), 0) + 1 FROM sentences WHERE chapter_id = ?`, chapterID).Scan(&number); err != nil {
			return model.Sentence{}, err
		}
	}

	now := s.now()
	status := model.StatusWaitingForCharacter
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sentences(book_id, chapter_id, number, text, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		bookID, chapterID, number, text, status.String(), now, now)
	if err != nil {
		return model.Sentence{}, fmt.Errorf("insert sentence: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Sentence{}, err
	}
	if err = tx.Commit(); err != nil {
		return model.Sentence{}, err
	}
	return model.Sentence{
		ID:        id,
		BookID:    bookID,
		ChapterID: chapterID,
		Number:    number,
		Text:      text,
		Status:    status,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}, nil
}

func (s *Store) GetSentence(ctx context.Context, id int64) (model.Sentence, error) {
	return scanSentence(s.db.QueryRowContext(ctx, sentenceSelect+` WHERE s.id = ?`, id))
}

// SaveSentence persists the mutable fields of sen, including its new status, but
// only if the stored status still equals expect. Otherwise ErrConflict is
// returned and nothing is written. Status changes are journaled in the same
// transaction.
func (s *Store) SaveSentence(ctx context.Context, sen model.Sentence, expect model.Status, reason string) (err error) {
	if err := sen.Validate(); err != nil {
		return fmt.Errorf("sentence %d: %w", sen.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE sentences SET stressed_text = ?, character_id = ?, audio_path = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		sen.StressedText, nullableID(sen.CharacterID), sen.AudioPath, sen.Status.String(), now,
		sen.ID, expect.String())
	if err != nil {
		return fmt.Errorf("update sentence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if qerr := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sentences WHERE id = ?`, sen.ID).Scan(&exists); qerr == nil && exists == 0 {
			err = ErrNotFound
		} else {
			err = ErrConflict
		}
		return err
	}
	if expect != sen.Status {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO transitions(sentence_id, book_id, from_status, to_status, reason, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			sen.ID, sen.BookID, expect.String(), sen.Status.String(), reason, now); err != nil {
			return fmt.Errorf("journal transition: %w", err)
		}
	}
	err = tx.Commit()
	return err
}

// ListSentencesByBook returns a book's sentences in reading order.
func (s *Store) ListSentencesByBook(ctx context.Context, bookID int64) ([]model.Sentence, error) {
	return s.querySentences(ctx,
		sentenceSelect+` JOIN chapters c ON c.id = s.chapter_id WHERE s.book_id = ? ORDER BY c.number, s.number`, bookID)
}

// ListSentencesByChapter returns a chapter's sentences ordered by number.
func (s *Store) ListSentencesByChapter(ctx context.Context, chapterID int64) ([]model.Sentence, error) {
	return s.querySentences(ctx, sentenceSelect+` WHERE s.chapter_id = ? ORDER BY s.number`, chapterID)
}

// ListSentencesByStatus returns up to limit sentences in the given status, oldest first.
func (s *Store) ListSentencesByStatus(ctx context.Context, status model.Status, limit int) ([]model.Sentence, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySentences(ctx, sentenceSelect+` WHERE s.status = ? ORDER BY s.id LIMIT ?`, status.String(), limit)
}

func (s *Store) CountByChapter(ctx context.Context, chapterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sentences WHERE chapter_id = ?`, chapterID).Scan(&n)
	return n, err
}

func (s *Store) CountByChapterAndStatus(ctx context.Context, chapterID int64, status model.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sentences WHERE chapter_id = ? AND status = ?`, chapterID, status.String()).Scan(&n)
	return n, err
}

// BookProgress counts total and ready sentences per chapter.
func (s *Store) BookProgress(ctx context.Context, bookID int64) (model.BookProgress, error) {
	book, err := s.GetBook(ctx, bookID)
	if err != nil {
		return model.BookProgress{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.number, COALESCE(c.title, ''), COUNT(s.id),
		        COALESCE(SUM(CASE WHEN s.status = ? THEN 1 ELSE 0 END), 0)
		 FROM chapters c LEFT JOIN sentences s ON s.chapter_id = c.id
		 WHERE c.book_id = ? GROUP BY c.id, c.number, c.title ORDER BY c.number`,
		model.StatusReady.String(), bookID)
	if err != nil {
		return model.BookProgress{}, err
	}
	defer rows.Close()

	progress := model.BookProgress{BookID: book.ID, Title: book.Title}
	for rows.Next() {
		var cp model.ChapterProgress
		if err := rows.Scan(&cp.ChapterID, &cp.Number, &cp.Title, &cp.Total, &cp.Ready); err != nil {
			return model.BookProgress{}, err
		}
		progress.Chapters = append(progress.Chapters, cp)
		progress.TotalChapters++
		if cp.Total > 0 && cp.Ready == cp.Total {
			progress.ReadyChapters++
		}
		progress.TotalSentences += cp.Total
		progress.ReadySentences += cp.Ready
	}
	if err := rows.Err(); err != nil {
		return model.BookProgress{}, err
	}
	if progress.TotalSentences > 0 {
		progress.ProgressPercent = progress.ReadySentences * 100 / progress.TotalSentences
	}
	return progress, nil
}

// ListTransitions returns the journal of a sentence, oldest first.
func (s *Store) ListTransitions(ctx context.Context, sentenceID int64) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sentence_id, book_id, from_status, to_status, COALESCE(reason, ''), created_at
		 FROM transitions WHERE sentence_id = ? ORDER BY id`, sentenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var tr model.Transition
		var from, to string
		var created int64
		if err := rows.Scan(&tr.ID, &tr.SentenceID, &tr.BookID, &from, &to, &tr.Reason, &created); err != nil {
			return nil, err
		}
		if tr.From, err = model.ParseStatus(from); err != nil {
			return nil, err
		}
		if tr.To, err = model.ParseStatus(to); err != nil {
			return nil, err
		}
		tr.CreatedAt = fromMillis(created)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) querySentences(ctx context.Context, query string, args ...any) ([]model.Sentence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Sentence
	for rows.Next() {
		sen, err := scanSentence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sen)
	}
	return out, rows.Err()
}

func scanSentence(row rowScanner) (model.Sentence, error) {
	var sen model.Sentence
	var characterID sql.NullInt64
	var status string
	var created, updated int64
	err := row.Scan(&sen.ID, &sen.BookID, &sen.ChapterID, &sen.Number, &sen.Text, &sen.StressedText,
		&characterID, &sen.AudioPath, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sentence{}, ErrNotFound
	}
	if err != nil {
		return model.Sentence{}, err
	}
	if characterID.Valid {
		id := characterID.Int64
		sen.CharacterID = &id
	}
	if sen.Status, err = model.ParseStatus(status); err != nil {
		return model.Sentence{}, err
	}
	sen.CreatedAt = fromMillis(created)
	sen.UpdatedAt = fromMillis(updated)
	return sen, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
