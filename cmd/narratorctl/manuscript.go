package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

type manuscriptFile struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Chapters []struct {
		Title     string   `yaml:"title"`
		Text      string   `yaml:"text"`
		Sentences []string `yaml:"sentences"`
	} `yaml:"chapters"`
}

// loadManuscript reads a book from YAML, or from plain text where lines
// starting with "# " open a chapter. Plain text books are titled after the file.
func loadManuscript(path string) (protocol.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.IngestRequest{}, err
	}
	var req protocol.IngestRequest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		req, err = parseYAMLManuscript(data)
	default:
		req = parseTextManuscript(data, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	if err != nil {
		return protocol.IngestRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(req.Chapters) == 0 {
		return protocol.IngestRequest{}, errors.New("manuscript has no chapters")
	}
	return req, nil
}

func parseYAMLManuscript(data []byte) (protocol.IngestRequest, error) {
	var mf manuscriptFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return protocol.IngestRequest{}, err
	}
	req := protocol.IngestRequest{Title: mf.Title, Author: mf.Author}
	for _, ch := range mf.Chapters {
		sentences := ch.Sentences
		if len(sentences) == 0 {
			sentences = splitSentences(ch.Text)
		}
		req.Chapters = append(req.Chapters, protocol.IngestChapter{Title: ch.Title, Sentences: sentences})
	}
	return req, nil
}

func parseTextManuscript(data []byte, fallbackTitle string) protocol.IngestRequest {
	req := protocol.IngestRequest{Title: fallbackTitle}
	var title string
	var body strings.Builder
	flush := func() {
		if sentences := splitSentences(body.String()); len(sentences) > 0 {
			req.Chapters = append(req.Chapters, protocol.IngestChapter{Title: title, Sentences: sentences})
		}
		body.Reset()
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if heading, ok := strings.CutPrefix(line, "# "); ok {
			flush()
			title = strings.TrimSpace(heading)
			continue
		}
		body.WriteString(line)
		body.WriteByte(' ')
	}
	flush()
	return req
}

// splitSentences breaks text after runs of terminal punctuation followed by
// whitespace. Closing quotes stay with their sentence.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(strings.Join(strings.Fields(text), " "))
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isClosing(runes[j])) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool { return r == '.' || r == '!' || r == '?' || r == '…' }

func isClosing(r rune) bool { return r == '»' || r == '"' || r == ')' }
