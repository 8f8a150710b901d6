package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Control plane subjects. Requests are answered on the NATS reply subject.
const (
	SubjectStats       = "audiobook.stats"
	SubjectRestart     = "audiobook.restart"
	SubjectSubmit      = "audiobook.submit"
	SubjectIngest      = "audiobook.ingest"
	SubjectVoiceSet    = "audiobook.voice.set"
	SubjectVoices      = "audiobook.voices"
	SubjectProgress    = "audiobook.progress"
	SubjectSpeakers    = "audiobook.speakers"
	SubjectBookDelete  = "audiobook.book.delete"
	SubjectSentenceEvt = "audiobook.sentence.status"

	// EventStream retains sentence status events in JetStream.
	EventStream = "AUDIOBOOK_EVENTS"
)

// Envelope fields shared by every reply.
type Reply struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Err returns the remote failure carried by the reply, if any.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

type StatsRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type StatsReply struct {
	Reply
	AttributionQueue int  `json:"attribution_queue"`
	StressQueue      int  `json:"stress_queue"`
	SynthesisQueue   int  `json:"synthesis_queue"`
	LLMAvailable     bool `json:"llm_available"`
	TTSAvailable     bool `json:"tts_available"`
}

type RestartRequest struct {
	RequestID string `json:"request_id,omitempty"`
	BookID    int64  `json:"book_id"`
}

type RestartReply struct {
	Reply
	Queued int `json:"queued"`
}

type BookDeleteRequest struct {
	RequestID string `json:"request_id,omitempty"`
	BookID    int64  `json:"book_id"`
}

type BookDeleteReply struct {
	Reply
	BookID int64 `json:"book_id"`
}

type SubmitRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ChapterID int64  `json:"chapter_id"`
	Text      string `json:"text"`
}

type SubmitReply struct {
	Reply
	SentenceID int64 `json:"sentence_id"`
}

// IngestRequest carries a book already split into sentences.
type IngestRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Title     string          `json:"title"`
	Author    string          `json:"author,omitempty"`
	Chapters  []IngestChapter `json:"chapters"`
}

type IngestChapter struct {
	Title     string   `json:"title"`
	Sentences []string `json:"sentences"`
}

type IngestReply struct {
	Reply
	BookID    int64 `json:"book_id"`
	Sentences int   `json:"sentences"`
}

type VoiceSetRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	CharacterID int64  `json:"character_id"`
	VoiceID     string `json:"voice_id"`
	VoiceName   string `json:"voice_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Speaker struct {
	ID          int64  `json:"id"`
	BookID      int64  `json:"book_id"`
	Name        string `json:"name"`
	VoiceID     string `json:"voice_id"`
	VoiceName   string `json:"voice_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type VoiceSetReply struct {
	Reply
	Speaker Speaker `json:"speaker"`
}

type SpeakersRequest struct {
	RequestID string `json:"request_id,omitempty"`
	BookID    int64  `json:"book_id"`
}

type SpeakersReply struct {
	Reply
	Speakers []Speaker `json:"speakers"`
}

type VoicesRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type VoicesReply struct {
	Reply
	Voices []Voice `json:"voices"`
}

type ProgressRequest struct {
	RequestID string `json:"request_id,omitempty"`
	BookID    int64  `json:"book_id"`
}

type ChapterProgress struct {
	ChapterID int64  `json:"chapter_id"`
	Number    int    `json:"number"`
	Title     string `json:"title,omitempty"`
	Total     int    `json:"total"`
	Ready     int    `json:"ready"`
}

type ProgressReply struct {
	Reply
	BookID          int64             `json:"book_id"`
	Title           string            `json:"title"`
	TotalChapters   int               `json:"total_chapters"`
	ReadyChapters   int               `json:"ready_chapters"`
	TotalSentences  int               `json:"total_sentences"`
	ReadySentences  int               `json:"ready_sentences"`
	ProgressPercent int               `json:"progress_percent"`
	Chapters        []ChapterProgress `json:"chapters"`
}

// SentenceEvent is published for every persisted status change.
type SentenceEvent struct {
	EventID    string    `json:"event_id"`
	SentenceID int64     `json:"sentence_id"`
	BookID     int64     `json:"book_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SentenceEventSubject is the per-book subject status events are published on.
func SentenceEventSubject(bookID int64) string {
	return fmt.Sprintf("%s.%d", SubjectSentenceEvt, bookID)
}

// Presence subjects. Every narrator process announces itself on start and
// heartbeats with its queue depths.
const (
	SubjectNodeAnnounce  = "audiobook.node.announce"
	SubjectNodeHeartbeat = "audiobook.node.heartbeat"
	SubjectNodes         = "audiobook.nodes"
)

// Backend describes one external service a node calls.
type Backend struct {
	Kind     string `json:"kind"`
	Mode     string `json:"mode"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type NodeAnnounce struct {
	NodeID    string    `json:"node_id"`
	Backends  []Backend `json:"backends"`
	Timestamp time.Time `json:"timestamp"`
}

type NodeHeartbeat struct {
	NodeID    string     `json:"node_id"`
	Stats     StatsReply `json:"stats"`
	Timestamp time.Time  `json:"timestamp"`
}

type Node struct {
	ID       string     `json:"id"`
	Backends []Backend  `json:"backends,omitempty"`
	Stats    StatsReply `json:"stats"`
	LastSeen time.Time  `json:"last_seen"`
	Healthy  bool       `json:"healthy"`
}

type NodesRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type NodesReply struct {
	Reply
	Nodes []Node `json:"nodes"`
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// NodeHeartbeatSubject is the subject a node heartbeats on. Characters that
// are special in NATS subjects are replaced in the node id.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + subjectToken.Replace(nodeID)
}
