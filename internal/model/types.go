package model

import (
	"errors"
	"time"
)

const (
	// NarratorName is the speaker used for authorial prose.
	NarratorName = "Автор"
	// DefaultVoice is used for speakers without an assigned voice.
	DefaultVoice = "default"
)

type Book struct {
	ID        int64
	Title     string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Chapter struct {
	ID        int64
	BookID    int64
	Number    int
	Title     string
	CreatedAt time.Time
}

// Sentence is the unit of work flowing through the pipeline.
type Sentence struct {
	ID           int64
	BookID       int64
	ChapterID    int64
	Number       int
	Text         string
	StressedText string
	CharacterID  *int64
	AudioPath    string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks that stage outputs are only present once their stage completed.
func (s Sentence) Validate() error {
	if s.StressedText != "" && s.Status < StatusWaitingForTTS {
		return errors.New("stressed text present before stress annotation completed")
	}
	if s.AudioPath != "" && s.Status != StatusReady {
		return errors.New("audio path present on a sentence that is not ready")
	}
	return nil
}

// Character is a speaker attributed within one book.
type Character struct {
	ID          int64
	BookID      int64
	Name        string
	VoiceID     string
	VoiceName   string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Voice returns the synthesis voice for the character.
func (c *Character) Voice() string {
	if c == nil || c.VoiceID == "" {
		return DefaultVoice
	}
	return c.VoiceID
}

// AttributionTask asks the language model who speaks a sentence.
type AttributionTask struct {
	SentenceID    int64
	BookID        int64
	Text          string
	KnownSpeakers []string
}

// StressTask asks the language model to mark stressed vowels.
type StressTask struct {
	SentenceID int64
	Text       string
}

// SynthesisTask asks the speech backend to voice annotated text.
type SynthesisTask struct {
	SentenceID int64
	Text       string
	VoiceID    string
	OutputPath string
}

// Transition is a journal entry for one persisted status change.
type Transition struct {
	ID         int64
	SentenceID int64
	BookID     int64
	From       Status
	To         Status
	Reason     string
	CreatedAt  time.Time
}

// ChapterProgress counts sentences of a chapter.
type ChapterProgress struct {
	ChapterID int64
	Number    int
	Title     string
	Total     int
	Ready     int
}

// BookProgress summarizes how far a book has been narrated.
type BookProgress struct {
	BookID          int64
	Title           string
	TotalChapters   int
	ReadyChapters   int
	TotalSentences  int
	ReadySentences  int
	ProgressPercent int
	Chapters        []ChapterProgress
}
