package control

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/model"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// BusNotifier publishes sentence status changes as protocol.SentenceEvent.
// Publishing never blocks the pipeline; failures are only logged.
type BusNotifier struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusNotifier(busClient *bus.Client, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{bus: busClient, logger: logger.With(slog.String("component", "status-notifier"))}
}

func (n *BusNotifier) SentenceChanged(_ context.Context, tr model.Transition) {
	evt := protocol.SentenceEvent{
		EventID:    uuid.NewString(),
		SentenceID: tr.SentenceID,
		BookID:     tr.BookID,
		From:       tr.From.String(),
		To:         tr.To.String(),
		Reason:     tr.Reason,
		Timestamp:  tr.CreatedAt,
	}
	if err := n.bus.PublishJSON(protocol.SentenceEventSubject(tr.BookID), evt); err != nil {
		n.logger.Warn("failed to publish sentence event",
			slog.Int64("sentence_id", tr.SentenceID),
			slogError(err))
	}
}
