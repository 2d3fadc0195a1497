package session

import (
	"context"
	"log"

	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/store"
)

// Gateway is the persistence side of a session. client.Client implements it
// over HTTP; LocalGateway implements it over an in-process store.
type Gateway interface {
	CreateChat(ctx context.Context, clientID, title string) (*store.Chat, error)
	GetChat(ctx context.Context, clientID string) (*store.ChatWithMessages, error)
	UpsertMessage(ctx context.Context, in store.UpsertMessageInput) error
	Watch(ctx context.Context, chatClientID string) (<-chan []store.Message, error)
}

// Responder produces the assistant reply for one turn. Both client.Client and
// core.ChatService implement it.
type Responder interface {
	Stream(ctx context.Context, req core.StreamRequest, onDelta func(string)) (core.Completion, error)
}

// Preferences persists the model selection across sessions.
type Preferences interface {
	SetSelectedModel(model string) error
}

// Notifier shows an error to the user.
type Notifier interface {
	Notify(err error)
}

type NotifierFunc func(err error)

func (f NotifierFunc) Notify(err error) { f(err) }

type logNotifier struct{}

func (logNotifier) Notify(err error) {
	log.Printf("[Session] %v", err)
}

type LocalGateway struct {
	Store *store.SQLiteStore
}

func (g LocalGateway) CreateChat(ctx context.Context, clientID, title string) (*store.Chat, error) {
	return g.Store.CreateChat(ctx, clientID, title)
}

func (g LocalGateway) GetChat(ctx context.Context, clientID string) (*store.ChatWithMessages, error) {
	return g.Store.GetChatByClientID(ctx, clientID)
}

func (g LocalGateway) UpsertMessage(ctx context.Context, in store.UpsertMessageInput) error {
	_, err := g.Store.UpsertMessage(ctx, in)
	return err
}

func (g LocalGateway) Watch(ctx context.Context, chatClientID string) (<-chan []store.Message, error) {
	return g.Store.Watch(ctx, chatClientID)
}
