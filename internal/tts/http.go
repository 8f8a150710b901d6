package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// HTTPSynth talks to an F5-style speech server:
//
//	POST /api/tts     {"text", "voice_id", "format"} -> audio bytes
//	GET  /api/voices  -> {"voices": [{"id", "name"}]} or {"<id>": "<name>", ...}
//	GET  /api/health  -> {"status": "ok"}
type HTTPSynth struct {
	endpoint     string
	defaultVoice string
	client       *http.Client
}

var _ HealthChecker = (*HTTPSynth)(nil)

func NewHTTPSynth(endpoint, defaultVoice string) *HTTPSynth {
	if defaultVoice == "" {
		defaultVoice = "default"
	}
	return &HTTPSynth{
		endpoint:     strings.TrimRight(endpoint, "/"),
		defaultVoice: defaultVoice,
		client:       &http.Client{Timeout: 10 * time.Minute},
	}
}

type httpSynthRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Format  string `json:"format"`
}

// Synthesize issues a single request; the whole body arrives as one final chunk.
func (h *HTTPSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		audio, err := h.synthesize(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{Data: audio, Final: true}
	}()
	return chunks, errs
}

func (h *HTTPSynth) synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = h.defaultVoice
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}
	body, err := json.Marshal(httpSynthRequest{Text: req.Text, VoiceID: voice, Format: format})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tts server returned status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ListVoices queries the server catalog.
func (h *HTTPSynth) ListVoices(ctx context.Context) ([]Voice, error) {
	var raw map[string]json.RawMessage
	if err := h.getJSON(ctx, "/api/voices", &raw); err != nil {
		return nil, err
	}
	if list, ok := raw["voices"]; ok {
		var voices []Voice
		if err := json.Unmarshal(list, &voices); err == nil {
			return voices, nil
		}
	}
	voices := make([]Voice, 0, len(raw))
	for id, v := range raw {
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			name = id
		}
		voices = append(voices, Voice{ID: id, Name: name})
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
	return voices, nil
}

// Healthy reports whether the server reports status ok on /api/health.
func (h *HTTPSynth) Healthy(ctx context.Context) bool {
	var health struct {
		Status string `json:"status"`
	}
	if err := h.getJSON(ctx, "/api/health", &health); err != nil {
		return false
	}
	return health.Status == "ok"
}

func (h *HTTPSynth) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tts server returned status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
