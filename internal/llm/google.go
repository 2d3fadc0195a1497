package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiProvider serves the "google" models through the Gemini SDK.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string {
	return "google"
}

func (p *GeminiProvider) Close() {
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			log.Printf("[LLM] Error closing GenAI client: %v", err)
		} else {
			log.Println("[LLM] GenAI client closed.")
		}
	}
}

func (p *GeminiProvider) Stream(ctx context.Context, model string, messages []Message) (Stream, error) {
	system, history, last, err := toGeminiHistory(messages)
	if err != nil {
		return nil, err
	}

	gm := p.client.GenerativeModel(model)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	chatSession := gm.StartChat()
	chatSession.History = history

	iter := chatSession.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter}, nil
}

// toGeminiHistory splits messages into the system instruction, the prior turns
// and the final user turn that is sent. Gemini calls the assistant "model".
func toGeminiHistory(messages []Message) (string, []*genai.Content, *genai.Content, error) {
	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	if len(history) == 0 {
		return "", nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return "", nil, nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}
	return strings.Join(system, "\n\n"), history[:len(history)-1], last, nil
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
	done bool
}

func (s *geminiStream) Recv() (string, error) {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			break
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream failed: %w", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

// Close is a no-op; the iterator is released when its context ends.
func (s *geminiStream) Close() error {
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			log.Printf("[LLM] Gemini response part was not text: %T", part)
		}
	}
	return text.String()
}
