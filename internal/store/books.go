package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/model"
)

// CreateBook inserts a book and returns it with its assigned ID.
func (s *Store) CreateBook(ctx context.Context, title, author string) (model.Book, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO books(title, author, created_at, updated_at) VALUES(?, ?, ?, ?)`,
		title, author, now, now)
	if err != nil {
		return model.Book{}, fmt.Errorf("insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Book{}, err
	}
	return model.Book{ID: id, Title: title, Author: author, CreatedAt: fromMillis(now), UpdatedAt: fromMillis(now)}, nil
}

func (s *Store) GetBook(ctx context.Context, id int64) (model.Book, error) {
	var b model.Book
	var author sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, author, created_at, updated_at FROM books WHERE id = ?`, id).
		Scan(&b.ID, &b.Title, &author, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Book{}, ErrNotFound
	}
	if err != nil {
		return model.Book{}, err
	}
	b.Author = author.String
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context) ([]model.Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, author, created_at, updated_at FROM books ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		var b model.Book
		var author sql.NullString
		var created, updated int64
		if err := rows.Scan(&b.ID, &b.Title, &author, &created, &updated); err != nil {
			return nil, err
		}
		b.Author = author.String
		b.CreatedAt = fromMillis(created)
		b.UpdatedAt = fromMillis(updated)
		books = append(books, b)
	}
	return books, rows.Err()
}

// DeleteBook removes a book together with its chapters, sentences, speakers and journal.
func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateChapter(ctx context.Context, bookID int64, number int, title string) (model.Chapter, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters(book_id, number, title, created_at) VALUES(?, ?, ?, ?)`,
		bookID, number, title, now)
	if err != nil {
		return model.Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Chapter{}, err
	}
	return model.Chapter{ID: id, BookID: bookID, Number: number, Title: title, CreatedAt: fromMillis(now)}, nil
}

func (s *Store) GetChapter(ctx context.Context, id int64) (model.Chapter, error) {
	var c model.Chapter
	var title sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, book_id, number, title, created_at FROM chapters WHERE id = ?`, id).
		Scan(&c.ID, &c.BookID, &c.Number, &title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chapter{}, ErrNotFound
	}
	if err != nil {
		return model.Chapter{}, err
	}
	c.Title = title.String
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// ListChapters returns the chapters of a book ordered by number.
func (s *Store) ListChapters(ctx context.Context, bookID int64) ([]model.Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_id, number, title, created_at FROM chapters WHERE book_id = ? ORDER BY number`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []model.Chapter
	for rows.Next() {
		var c model.Chapter
		var title sql.NullString
		var created int64
		if err := rows.Scan(&c.ID, &c.BookID, &c.Number, &title, &created); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.CreatedAt = fromMillis(created)
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// FindOrCreateCharacter looks a speaker up by (book, name), creating it on first sight.
func (s *Store) FindOrCreateCharacter(ctx context.Context, bookID int64, name string) (model.Character, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters(book_id, name, created_at, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(book_id, name) DO NOTHING`,
		bookID, name, now, now)
	if err != nil {
		return model.Character{}, fmt.Errorf("insert character: %w", err)
	}
	return s.scanCharacter(s.db.QueryRowContext(ctx, characterSelect+` WHERE book_id = ? AND name = ?`, bookID, name))
}

func (s *Store) GetCharacter(ctx context.Context, id int64) (model.Character, error) {
	return s.scanCharacter(s.db.QueryRowContext(ctx, characterSelect+` WHERE id = ?`, id))
}

// UpdateCharacter stores the voice assignment and description of a speaker.
func (s *Store) UpdateCharacter(ctx context.Context, c model.Character) (model.Character, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET voice_id = ?, voice_name = ?, description = ?, updated_at = ? WHERE id = ?`,
		c.VoiceID, c.VoiceName, c.Description, now, c.ID)
	if err != nil {
		return model.Character{}, fmt.Errorf("update character: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Character{}, ErrNotFound
	}
	return s.GetCharacter(ctx, c.ID)
}

// ListCharacters returns every speaker of a book ordered by creation.
func (s *Store) ListCharacters(ctx context.Context, bookID int64) ([]model.Character, error) {
	rows, err := s.db.QueryContext(ctx, characterSelect+` WHERE book_id = ? ORDER BY id`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Character
	for rows.Next() {
		c, err := s.scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CharacterNames lists the known speaker names of a book.
func (s *Store) CharacterNames(ctx context.Context, bookID int64) ([]string, error) {
	chars, err := s.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(chars))
	for _, c := range chars {
		names = append(names, c.Name)
	}
	return names, nil
}

const characterSelect = `SELECT id, book_id, name, voice_id, voice_name, description, created_at, updated_at FROM characters`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCharacter(row rowScanner) (model.Character, error) {
	var c model.Character
	var created, updated int64
	err := row.Scan(&c.ID, &c.BookID, &c.Name, &c.VoiceID, &c.VoiceName, &c.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Character{}, ErrNotFound
	}
	if err != nil {
		return model.Character{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}
