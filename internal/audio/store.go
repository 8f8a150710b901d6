package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
)

// ErrArtifactMissing is returned when an audio file recorded for a sentence is
// not on disk.
var ErrArtifactMissing = errors.New("audio artifact missing")

// Store keeps one synthesized audio file per sentence under a root directory.
// In the wav format, raw PCM handed to Write is stored as a WAV file.
type Store struct {
	dir    string
	format string
	pcm    PCM
}

func NewStore(dir, format string) *Store {
	if format == "" {
		format = "mp3"
	}
	return &Store{dir: dir, format: format, pcm: PCM{SampleRate: 24000, Channels: 1}}
}

// WithPCM sets the layout of raw PCM written to a wav store.
func (s *Store) WithPCM(p PCM) *Store {
	if p.SampleRate > 0 && p.Channels > 0 {
		s.pcm = p
	}
	return s
}

func (s *Store) Format() string { return s.format }

// SentencePath is where the audio of a sentence is written.
func (s *Store) SentencePath(sentenceID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("sentence_%d.%s", sentenceID, s.format))
}

// Write stores data at path via a temporary file and rename, so readers never
// observe a partial file.
func (s *Store) Write(path string, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp audio file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if s.format == "wav" && !isWAV(data) {
		var buf *goaudio.IntBuffer
		if buf, err = pcmBuffer(data, s.pcm); err != nil {
			return err
		}
		if err = writeWAV(tmp, buf, 16); err != nil {
			return err
		}
	} else if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit audio file: %w", err)
	}
	return nil
}

// Remove deletes an audio file. A file already gone is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Stat fails with ErrArtifactMissing when path is not on disk.
func (s *Store) Stat(path string) error {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	return err
}

func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	return data, err
}
