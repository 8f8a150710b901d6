package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected one of: stats, restart, delete, submit, ingest, progress, speakers, voices, set-voice, nodes, watch, version"

type connFlags struct {
	servers string
	token   string
	timeout time.Duration
}

func (c *connFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.servers, "servers", "nats://localhost:4222", "Comma separated NATS server URLs")
	fs.StringVar(&c.token, "token", os.Getenv("NARRATOR_BUS_TOKEN"), "NATS auth token")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (c *connFlags) connect(ctx context.Context) (*bus.Client, error) {
	cfg := config.BusConfig{
		Enabled:        true,
		Servers:        strings.Split(c.servers, ","),
		Token:          c.token,
		ConnectTimeout: 2000,
	}
	return bus.Connect(ctx, cfg, "narratorctl", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)

	var (
		subject string
		req     any
		reply   replyWithError
	)
	switch cmd {
	case "stats":
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectStats, protocol.StatsRequest{}, &protocol.StatsReply{}
	case "restart":
		book := fs.Int64("book", 0, "Book id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *book <= 0 {
			return usageError("restart requires -book")
		}
		subject, req, reply = protocol.SubjectRestart, protocol.RestartRequest{BookID: *book}, &protocol.RestartReply{}
	case "delete":
		book := fs.Int64("book", 0, "Book id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *book <= 0 {
			return usageError("delete requires -book")
		}
		subject, req, reply = protocol.SubjectBookDelete, protocol.BookDeleteRequest{BookID: *book}, &protocol.BookDeleteReply{}
	case "submit":
		chapter := fs.Int64("chapter", 0, "Chapter id")
		text := fs.String("text", "", "Sentence text")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *chapter <= 0 || strings.TrimSpace(*text) == "" {
			return usageError("submit requires -chapter and -text")
		}
		subject, req, reply = protocol.SubjectSubmit, protocol.SubmitRequest{ChapterID: *chapter, Text: *text}, &protocol.SubmitReply{}
	case "ingest":
		file := fs.String("file", "", "Manuscript YAML file")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *file == "" {
			return usageError("ingest requires -file")
		}
		m, err := loadManuscript(*file)
		if err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectIngest, m, &protocol.IngestReply{}
	case "progress":
		book := fs.Int64("book", 0, "Book id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectProgress, protocol.ProgressRequest{BookID: *book}, &protocol.ProgressReply{}
	case "speakers":
		book := fs.Int64("book", 0, "Book id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectSpeakers, protocol.SpeakersRequest{BookID: *book}, &protocol.SpeakersReply{}
	case "voices":
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectVoices, protocol.VoicesRequest{}, &protocol.VoicesReply{}
	case "set-voice":
		speaker := fs.Int64("speaker", 0, "Speaker id")
		voice := fs.String("voice", "", "Voice id")
		name := fs.String("name", "", "Voice display name")
		desc := fs.String("description", "", "Speaker description")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *speaker <= 0 || *voice == "" {
			return usageError("set-voice requires -speaker and -voice")
		}
		subject = protocol.SubjectVoiceSet
		req = protocol.VoiceSetRequest{CharacterID: *speaker, VoiceID: *voice, VoiceName: *name, Description: *desc}
		reply = &protocol.VoiceSetReply{}
	case "nodes":
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req, reply = protocol.SubjectNodes, protocol.NodesRequest{}, &protocol.NodesReply{}
	case "watch":
		book := fs.Int64("book", 0, "Book id, 0 for every book")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return watch(ctx, conn, *book, out)
	default:
		return usageError(fmt.Sprintf("unknown command %q; %s", cmd, usage))
	}

	client, err := conn.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	if err := client.RequestJSON(reqCtx, subject, req, reply); err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

// replyWithError is satisfied by every reply through the embedded protocol.Reply.
type replyWithError interface {
	Err() error
}

func watch(ctx context.Context, conn connFlags, bookID int64, out io.Writer) error {
	client, err := conn.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.SubjectSentenceEvt + ".>"
	if bookID > 0 {
		subject = protocol.SentenceEventSubject(bookID)
	}
	events := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(subject, events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			var evt protocol.SentenceEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				continue
			}
			fmt.Fprintf(out, "%s book=%d sentence=%d %s -> %s %s\n",
				evt.Timestamp.Format(time.RFC3339), evt.BookID, evt.SentenceID, evt.From, evt.To, evt.Reason)
		}
	}
}
