// Package session keeps the local view of one chat in step with the persisted
// conversation while turns stream in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/ids"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/store"
)

const titleMaxRunes = 50

var (
	ErrEmptyInput   = errors.New("message is empty")
	ErrTurnInFlight = errors.New("a response is still in progress")
)

// DisplayMessage is the local shape of a message, keyed by its client id.
type DisplayMessage struct {
	ID            string
	Role          string
	Content       string
	CreatedAt     time.Time
	ModelID       string
	ModelProvider string
}

func (m DisplayMessage) equal(o DisplayMessage) bool {
	return m.ID == o.ID && m.Role == o.Role && m.Content == o.Content &&
		m.CreatedAt.Equal(o.CreatedAt) && m.ModelID == o.ModelID && m.ModelProvider == o.ModelProvider
}

func toDisplay(msgs []store.Message) []DisplayMessage {
	out := make([]DisplayMessage, len(msgs))
	for i, m := range msgs {
		out[i] = DisplayMessage{
			ID:            m.UUID,
			Role:          m.Role,
			Content:       m.Content,
			CreatedAt:     m.CreatedAt,
			ModelID:       m.ModelID,
			ModelProvider: m.ModelProvider,
		}
	}
	return out
}

func sameMessages(a, b []DisplayMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// Selection is the model choice captured when the user submits.
type Selection struct {
	Model    string
	Provider string
}

// ChatTitle is the first message cut to 50 characters, with an ellipsis when cut.
func ChatTitle(firstMessage string) string {
	runes := []rune(firstMessage)
	if len(runes) <= titleMaxRunes {
		return firstMessage
	}
	return string(runes[:titleMaxRunes]) + "..."
}

type Option func(*Session)

func WithPreferences(p Preferences) Option {
	return func(s *Session) { s.prefs = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithDeltaHandler receives every streamed token, e.g. to print it.
func WithDeltaHandler(fn func(string)) Option {
	return func(s *Session) { s.onDelta = fn }
}

// WithChangeHandler is called after local messages are replaced or appended.
func WithChangeHandler(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

type Session struct {
	chatID    string
	gateway   Gateway
	responder Responder
	prefs     Preferences
	notifier  Notifier
	onDelta   func(string)
	onChange  func()

	mu          sync.Mutex
	machine     *Machine
	messages    []DisplayMessage
	localOnly   map[string]bool // messages that were never persisted
	chatCreated bool
	watchCtx    context.Context // set by Open; the live query starts once the chat exists
	watching    bool
	cancelTurn  context.CancelFunc
	now         func() time.Time
}

func New(chatID string, gateway Gateway, responder Responder, opts ...Option) *Session {
	s := &Session{
		chatID:    chatID,
		gateway:   gateway,
		responder: responder,
		notifier:  logNotifier{},
		machine:   NewMachine(),
		localOnly: make(map[string]bool),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ChatID() string { return s.chatID }

// Open loads the chat if it already exists and subscribes to its live query.
// For a chat that does not exist yet the subscription starts after the first
// submit creates it. The subscription runs until ctx ends.
func (s *Session) Open(ctx context.Context) error {
	existing, err := s.gateway.GetChat(ctx, s.chatID)
	if err != nil {
		s.notifier.Notify(err)
		return fmt.Errorf("failed to load chat %s: %w", s.chatID, err)
	}
	s.mu.Lock()
	s.watchCtx = ctx
	if existing != nil {
		s.chatCreated = true
		s.messages = toDisplay(existing.Messages)
	}
	s.mu.Unlock()
	if existing == nil {
		return nil
	}
	s.changed()

	if err := s.watch(); err != nil {
		s.notifier.Notify(err)
		return fmt.Errorf("failed to subscribe to chat %s: %w", s.chatID, err)
	}
	return nil
}

// watch starts the live query once per session, if Open was called.
func (s *Session) watch() error {
	s.mu.Lock()
	ctx := s.watchCtx
	if ctx == nil || s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = true
	s.mu.Unlock()

	snapshots, err := s.gateway.Watch(ctx, s.chatID)
	if err != nil {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		return err
	}
	go func() {
		for snap := range snapshots {
			s.Reconcile(snap)
		}
	}()
	return nil
}

// Reconcile replaces local state with a persisted snapshot and reports whether
// it changed anything. Snapshots arriving while a turn is in flight are
// dropped; the turn refreshes local state itself when it ends. Messages that
// failed to persist are kept after the snapshot.
func (s *Session) Reconcile(snapshot []store.Message) bool {
	s.mu.Lock()
	if s.machine.InFlight() {
		s.mu.Unlock()
		return false
	}
	next := toDisplay(snapshot)
	if len(s.localOnly) > 0 {
		seen := make(map[string]bool, len(next))
		for _, m := range next {
			seen[m.ID] = true
		}
		for _, m := range s.messages {
			if s.localOnly[m.ID] && !seen[m.ID] {
				next = append(next, m)
			}
		}
	}
	applied := !sameMessages(next, s.messages)
	if applied {
		s.messages = next
	}
	s.mu.Unlock()

	if applied {
		s.changed()
	}
	return applied
}

func (s *Session) Messages() []DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DisplayMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Status()
}

// InFlight reports whether a turn is submitted or streaming.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.InFlight()
}

func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Partial()
}

// Abort cancels the running turn, if any.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Submit runs one turn: it makes sure the chat exists, appends and persists
// the user message, streams the reply and persists it. The selection is
// passed through explicitly and used for this turn only.
func (s *Session) Submit(ctx context.Context, input string, sel Selection) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return ErrEmptyInput
	}
	if sel.Model == "" || sel.Provider == "" {
		return chaterr.New(chaterr.BadRequest, chaterr.SurfaceAPI, "model and provider are required")
	}

	s.mu.Lock()
	if err := s.machine.Submit(); err != nil {
		s.mu.Unlock()
		return ErrTurnInFlight
	}
	created := s.chatCreated
	s.mu.Unlock()

	if s.prefs != nil {
		if err := s.prefs.SetSelectedModel(sel.Model); err != nil {
			log.Printf("[Session] Failed to store model preference: %v", err)
		}
	}

	if !created {
		if _, err := s.gateway.CreateChat(ctx, s.chatID, ChatTitle(input)); err != nil {
			log.Printf("[Session] Failed to create chat %s: %v", s.chatID, err)
			s.fail(err)
			return err
		}
		s.mu.Lock()
		s.chatCreated = true
		s.mu.Unlock()
		if err := s.watch(); err != nil {
			log.Printf("[Session] Failed to subscribe to chat %s: %v", s.chatID, err)
		}
	}

	userMsg := DisplayMessage{
		ID:            ids.New(),
		Role:          store.RoleUser,
		Content:       input,
		CreatedAt:     s.now(),
		ModelID:       sel.Model,
		ModelProvider: sel.Provider,
	}
	s.mu.Lock()
	s.messages = append(s.messages, userMsg)
	history := make([]llm.Message, len(s.messages))
	for i, m := range s.messages {
		history[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	s.mu.Unlock()
	s.changed()

	if err := s.gateway.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID:    s.chatID,
		MessageClientID: userMsg.ID,
		Role:            userMsg.Role,
		Content:         userMsg.Content,
		ModelID:         sel.Model,
		ModelProvider:   sel.Provider,
	}); err != nil {
		log.Printf("[Session] Failed to persist user message %s: %v", userMsg.ID, err)
		s.notifier.Notify(err)
		s.markLocalOnly(userMsg.ID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	out, err := s.responder.Stream(turnCtx, core.StreamRequest{
		ChatID:   s.chatID,
		Messages: history,
		Model:    sel.Model,
		Provider: sel.Provider,
	}, s.delta)

	assistantMsg := DisplayMessage{
		ID:            ids.New(),
		Role:          store.RoleAssistant,
		Content:       out.Text,
		CreatedAt:     s.now(),
		ModelID:       sel.Model,
		ModelProvider: sel.Provider,
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && turnCtx.Err() != nil {
			// Aborted: keep the partial reply on screen, do not persist it.
			s.mu.Lock()
			s.machine.Abort()
			if out.Text != "" {
				s.messages = append(s.messages, assistantMsg)
				s.localOnly[assistantMsg.ID] = true
			}
			s.mu.Unlock()
			s.changed()
			return nil
		}
		log.Printf("[Session] Stream failed for chat %s: %v", s.chatID, err)
		s.fail(err)
		return err
	}

	if err := s.gateway.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID:    s.chatID,
		MessageClientID: assistantMsg.ID,
		Role:            assistantMsg.Role,
		Content:         assistantMsg.Content,
		ModelID:         sel.Model,
		ModelProvider:   sel.Provider,
	}); err != nil {
		log.Printf("[Session] Failed to persist assistant message %s: %v", assistantMsg.ID, err)
		s.markLocalOnly(assistantMsg.ID)
	}

	s.mu.Lock()
	s.machine.Finish()
	s.messages = append(s.messages, assistantMsg)
	s.mu.Unlock()
	s.changed()

	// Catch up on anything dropped during the turn.
	s.refresh(ctx)
	return nil
}

func (s *Session) markLocalOnly(id string) {
	s.mu.Lock()
	s.localOnly[id] = true
	s.mu.Unlock()
}

func (s *Session) refresh(ctx context.Context) {
	fresh, err := s.gateway.GetChat(ctx, s.chatID)
	if err != nil {
		log.Printf("[Session] Failed to refresh chat %s: %v", s.chatID, err)
		return
	}
	if fresh != nil {
		s.Reconcile(fresh.Messages)
	}
}

func (s *Session) delta(token string) {
	s.mu.Lock()
	s.machine.Delta(token)
	s.mu.Unlock()
	if s.onDelta != nil {
		s.onDelta(token)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.machine.Fail(err)
	s.mu.Unlock()
	s.changed()

	if e, ok := chaterr.As(err); ok && e.Visibility() == chaterr.VisibilityLog {
		s.notifier.Notify(chaterr.New(e.Type, e.Surface, chaterr.GenericMessage))
		return
	}
	s.notifier.Notify(err)
}
