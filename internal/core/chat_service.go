package core

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/metrics"
)

// StreamRequest is one turn: the ordered history plus the model selection.
type StreamRequest struct {
	ChatID   string        `json:"id"`
	Messages []llm.Message `json:"messages"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
}

// Completion is the text accumulated from a stream. After a failure it holds
// the partial text received so far.
type Completion struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

type ChatService struct {
	registry *llm.Registry
}

func NewChatService(registry *llm.Registry) *ChatService {
	return &ChatService{registry: registry}
}

// Stream validates the selection, opens the provider stream and relays each
// token to onDelta in order. The selection is checked before any provider call.
func (s *ChatService) Stream(ctx context.Context, req StreamRequest, onDelta func(string)) (Completion, error) {
	var out Completion

	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Provider) == "" {
		metrics.Streams.WithLabelValues(req.Provider, req.Model, "rejected").Inc()
		return out, chaterr.New(chaterr.BadRequest, chaterr.SurfaceAPI, "model and provider are required")
	}
	if len(req.Messages) == 0 {
		metrics.Streams.WithLabelValues(req.Provider, req.Model, "rejected").Inc()
		return out, chaterr.New(chaterr.BadRequest, chaterr.SurfaceAPI, "messages are required")
	}
	provider, err := s.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		metrics.Streams.WithLabelValues(req.Provider, req.Model, "rejected").Inc()
		return out, err
	}

	stream, err := provider.Stream(ctx, req.Model, req.Messages)
	if err != nil {
		log.Printf("[Chat] Failed to open %s/%s stream for chat %s: %v", req.Provider, req.Model, req.ChatID, err)
		metrics.Streams.WithLabelValues(req.Provider, req.Model, "error").Inc()
		return out, chaterr.Wrap(chaterr.BadRequest, chaterr.SurfaceStream, err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Text = text.String()
			if ctx.Err() != nil {
				metrics.Streams.WithLabelValues(req.Provider, req.Model, "aborted").Inc()
				return out, ctx.Err()
			}
			log.Printf("[Chat] Stream for chat %s failed after %d tokens: %v", req.ChatID, out.Tokens, err)
			metrics.Streams.WithLabelValues(req.Provider, req.Model, "error").Inc()
			return out, chaterr.Wrap(chaterr.BadRequest, chaterr.SurfaceStream, err)
		}
		text.WriteString(token)
		out.Tokens++
		metrics.StreamTokens.WithLabelValues(req.Provider).Inc()
		if onDelta != nil {
			onDelta(token)
		}
	}

	out.Text = text.String()
	metrics.Streams.WithLabelValues(req.Provider, req.Model, "ok").Inc()
	return out, nil
}
