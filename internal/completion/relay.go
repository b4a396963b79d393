// Package completion relays a streamed AI response into the streaming
// coordinator.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/streaming"
)

// Request describes one response to generate.
type Request struct {
	ThreadID  string
	MessageID string

	// History is the conversation so far in chronological order. System
	// messages become the system prompt.
	History []schema.Message
}

// Source produces a response as a sequence of text deltas.
type Source interface {
	// Complete streams a response, calling onDelta for every text delta in
	// order, and returns the full text.
	Complete(ctx context.Context, req Request, onDelta func(delta string)) (string, error)
}

// Relay drives a coordinator from a Source.
type Relay struct {
	coord  *streaming.Coordinator
	source Source
	log    *logging.Logger
}

// NewRelay creates a relay.
func NewRelay(coord *streaming.Coordinator, source Source, logger *logging.Logger) *Relay {
	return &Relay{
		coord:  coord,
		source: source,
		log:    logging.OrNop(logger).With("component", "completion"),
	}
}

// Pump streams one response into the coordinator: Begin, an AppendToken
// with the accumulated text per delta, and End with the final text. The
// stream is ended even when the source fails, keeping the partial text.
func (r *Relay) Pump(ctx context.Context, req Request) (string, error) {
	if req.ThreadID == "" || req.MessageID == "" {
		return "", fmt.Errorf("thread and message ids are required")
	}

	r.coord.Begin(req.ThreadID, req.MessageID)

	var text strings.Builder
	final, err := r.source.Complete(ctx, req, func(delta string) {
		if delta == "" {
			return
		}
		text.WriteString(delta)
		r.coord.AppendToken(req.ThreadID, req.MessageID, text.String())
	})
	if err != nil {
		r.coord.End(req.ThreadID, req.MessageID, "")
		r.log.Warn("completion failed", "thread", req.ThreadID, "message", req.MessageID, "error", err)
		return text.String(), fmt.Errorf("failed to complete response: %w", err)
	}

	if final == "" {
		final = text.String()
	}
	r.coord.End(req.ThreadID, req.MessageID, final)
	r.log.Debug("completion finished", "thread", req.ThreadID, "message", req.MessageID, "chars", len(final))
	return final, nil
}
