// Package llm talks to the hosted model providers and decides which
// provider/model pairs a caller may use.
package llm

import (
	"context"
)

// Message is one turn of conversation history sent to a provider.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Stream yields a reply token by token. Recv returns io.EOF after the last
// token. Close releases the underlying connection and is safe to call twice.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens token streams for the models it serves.
type Provider interface {
	Name() string
	Stream(ctx context.Context, model string, messages []Message) (Stream, error)
}
