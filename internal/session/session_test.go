package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/config"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/ids"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/store"
)

var gemini = Selection{Model: "gemini-2.0-flash", Provider: "google"}

// turnProvider streams its tokens; with a gate it holds after the first token
// until the gate closes or the turn is cancelled.
type turnProvider struct {
	mu     sync.Mutex
	tokens []string
	gate   chan struct{}
	onOpen func()
	seen   [][]llm.Message
}

func (p *turnProvider) Name() string { return "google" }

func (p *turnProvider) Stream(ctx context.Context, model string, messages []llm.Message) (llm.Stream, error) {
	p.mu.Lock()
	p.seen = append(p.seen, messages)
	onOpen := p.onOpen
	p.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
	return &turnStream{ctx: ctx, p: p}, nil
}

func (p *turnProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type turnStream struct {
	ctx context.Context
	p   *turnProvider
	pos int
}

func (s *turnStream) Recv() (string, error) {
	if s.pos == 1 && s.p.gate != nil {
		select {
		case <-s.p.gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.pos >= len(s.p.tokens) {
		return "", io.EOF
	}
	s.pos++
	return s.p.tokens[s.pos-1], nil
}

func (s *turnStream) Close() error { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

type memPrefs struct{ model string }

func (p *memPrefs) SetSelectedModel(model string) error {
	p.model = model
	return nil
}

// flakyGateway fails selected calls of an otherwise real gateway.
type flakyGateway struct {
	Gateway
	failCreate bool
	failUpsert bool
}

func (g flakyGateway) CreateChat(ctx context.Context, clientID, title string) (*store.Chat, error) {
	if g.failCreate {
		return nil, chaterr.New(chaterr.BadRequest, chaterr.SurfaceDatabase, "disk full")
	}
	return g.Gateway.CreateChat(ctx, clientID, title)
}

func (g flakyGateway) UpsertMessage(ctx context.Context, in store.UpsertMessageInput) error {
	if g.failUpsert {
		return errors.New("write timeout")
	}
	return g.Gateway.UpsertMessage(ctx, in)
}

type fixture struct {
	store     *store.SQLiteStore
	provider  *turnProvider
	responder *core.ChatService
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, tokens ...string) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := &turnProvider{tokens: tokens}
	reg := llm.NewRegistry(config.DefaultAllowedModels)
	reg.RegisterProvider(p)
	return &fixture{
		store:     db,
		provider:  p,
		responder: core.NewChatService(reg),
		notifier:  &recordingNotifier{},
	}
}

func (f *fixture) session(chatID string, gw Gateway, opts ...Option) *Session {
	if gw == nil {
		gw = LocalGateway{Store: f.store}
	}
	opts = append([]Option{WithNotifier(f.notifier)}, opts...)
	return New(chatID, gw, f.responder, opts...)
}

func TestSubmit_NewChatEndToEnd(t *testing.T) {
	f := newFixture(t, "Hi", " there")
	ctx := context.Background()
	chatID := ids.New()
	prefs := &memPrefs{}

	var statuses []Status
	var s *Session
	f.provider.onOpen = func() { statuses = append(statuses, s.Status()) }
	s = f.session(chatID, nil, WithPreferences(prefs), WithDeltaHandler(func(string) {
		statuses = append(statuses, s.Status())
	}))

	require.NoError(t, s.Submit(ctx, "Hello", gemini))
	statuses = append(statuses, s.Status())

	assert.Equal(t, []Status{Submitted, Streaming, Streaming, Ready}, statuses)
	assert.Equal(t, "gemini-2.0-flash", prefs.model)

	got, err := f.store.GetChatByClientID(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hello", got.Chat.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Hello", got.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "Hi there", got.Messages[1].Content)
	assert.Equal(t, "gemini-2.0-flash", got.Messages[1].ModelID)
	assert.Equal(t, "google", got.Messages[1].ModelProvider)

	local := s.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, got.Messages[0].UUID, local[0].ID)
	assert.Equal(t, got.Messages[1].UUID, local[1].ID)
	assert.Zero(t, f.notifier.count())
}

func TestSubmit_SendsFullHistory(t *testing.T) {
	f := newFixture(t, "ok")
	ctx := context.Background()
	s := f.session(ids.New(), nil)

	require.NoError(t, s.Submit(ctx, "first", gemini))
	require.NoError(t, s.Submit(ctx, "second", gemini))

	require.Equal(t, 2, f.provider.calls())
	last := f.provider.seen[1]
	require.Len(t, last, 3)
	assert.Equal(t, llm.Message{Role: "user", Content: "first"}, last[0])
	assert.Equal(t, llm.Message{Role: "assistant", Content: "ok"}, last[1])
	assert.Equal(t, llm.Message{Role: "user", Content: "second"}, last[2])

	got, err := f.store.GetChatByClientID(ctx, s.ChatID())
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)
	assert.Equal(t, "first", got.Chat.Title)
}

func TestSubmit_RejectsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t, "x")
	ctx := context.Background()
	chatID := ids.New()
	s := f.session(chatID, nil)

	assert.ErrorIs(t, s.Submit(ctx, "   \n", gemini), ErrEmptyInput)

	err := s.Submit(ctx, "Hello", Selection{Provider: "google"})
	e, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, "bad_request:api", e.Code())

	got, err := f.store.GetChatByClientID(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, f.provider.calls())
	assert.Equal(t, Idle, s.Status())
}

func TestSubmit_InvalidModelFailsTurn(t *testing.T) {
	f := newFixture(t, "x")
	s := f.session(ids.New(), nil)

	err := s.Submit(context.Background(), "Hello", Selection{Model: "gpt-4o", Provider: "google"})
	e, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, "bad_request:model", e.Code())
	assert.Equal(t, Error, s.Status())
	assert.Zero(t, f.provider.calls())
	assert.Equal(t, 1, f.notifier.count())
}

func TestSubmit_ChatCreationFailureBlocks(t *testing.T) {
	f := newFixture(t, "x")
	gw := flakyGateway{Gateway: LocalGateway{Store: f.store}, failCreate: true}
	s := f.session(ids.New(), gw)

	err := s.Submit(context.Background(), "Hello", gemini)
	require.Error(t, err)
	assert.Equal(t, Error, s.Status())
	assert.Empty(t, s.Messages())
	assert.Zero(t, f.provider.calls())

	require.Equal(t, 1, f.notifier.count())
	e, ok := chaterr.As(f.notifier.errs[0])
	require.True(t, ok)
	assert.Equal(t, chaterr.GenericMessage, e.Cause)
}

func TestSubmit_UserPersistFailureKeepsOptimisticMessage(t *testing.T) {
	f := newFixture(t, "still here")
	gw := flakyGateway{Gateway: LocalGateway{Store: f.store}, failUpsert: true}
	s := f.session(ids.New(), gw)

	require.NoError(t, s.Submit(context.Background(), "Hello", gemini))

	local := s.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, "Hello", local[0].Content)
	assert.Equal(t, "still here", local[1].Content)
	assert.Equal(t, Ready, s.Status())
	// Only the user message failure is shown; the assistant one is logged.
	assert.Equal(t, 1, f.notifier.count())
}

func TestReconcile_SuppressedWhileTurnInFlight(t *testing.T) {
	f := newFixture(t, "one", "two")
	f.provider.gate = make(chan struct{})
	ctx := context.Background()
	s := f.session(ids.New(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Submit(ctx, "Hello", gemini) }()
	require.Eventually(t, func() bool { return s.Status() == Streaming }, 2*time.Second, 5*time.Millisecond)

	before := s.Messages()
	stale := []store.Message{{UUID: "stale", Role: store.RoleUser, Content: "from another tab", CreatedAt: time.Now()}}
	assert.False(t, s.Reconcile(stale))
	assert.Equal(t, before, s.Messages())
	assert.Equal(t, "one", s.Partial())

	close(f.provider.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, s.Status())

	// The snapshot dropped during the turn never reaches the screen; the turn
	// ends on the persisted conversation.
	persisted, err := f.store.GetMessagesByChatClientID(ctx, s.ChatID())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	local := s.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, "Hello", local[0].Content)
	assert.Equal(t, persisted[1].UUID, local[1].ID)
	assert.Equal(t, "onetwo", local[1].Content)
	assert.False(t, s.Reconcile(persisted), "identical snapshot changes nothing")

	// Once ready, the next snapshot is applied.
	external := append(persisted, store.Message{UUID: "ext", Role: store.RoleUser, Content: "from another tab", CreatedAt: time.Now()})
	assert.True(t, s.Reconcile(external))
	require.Len(t, s.Messages(), 3)
	assert.Equal(t, "from another tab", s.Messages()[2].Content)
}

func TestSubmit_FailedPersistenceSurvivesLiveQuery(t *testing.T) {
	f := newFixture(t, "one", "two")
	f.provider.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chatID := ids.New()
	gw := flakyGateway{Gateway: LocalGateway{Store: f.store}, failUpsert: true}
	s := f.session(chatID, gw)
	require.NoError(t, s.Open(ctx))

	done := make(chan error, 1)
	go func() { done <- s.Submit(ctx, "Hello", gemini) }()
	require.Eventually(t, func() bool { return s.Status() == Streaming }, 2*time.Second, 5*time.Millisecond)
	close(f.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, Ready, s.Status())
	local := s.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, "Hello", local[0].Content)
	assert.Equal(t, "onetwo", local[1].Content)

	// Snapshots from the live query keep the unsaved messages.
	_, err := f.store.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID: chatID, MessageClientID: "ext", Role: store.RoleUser, Content: "from another tab",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	local = s.Messages()
	assert.Equal(t, "from another tab", local[0].Content)
	assert.Equal(t, "Hello", local[1].Content)
	assert.Equal(t, "onetwo", local[2].Content)
}

func TestOpen_NewChatSubscribesAfterCreation(t *testing.T) {
	f := newFixture(t, "hi")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chatID := ids.New()
	s := f.session(chatID, nil)
	require.NoError(t, s.Open(ctx))
	assert.Empty(t, s.Messages())

	require.NoError(t, s.Submit(ctx, "Hello", gemini))
	require.Len(t, s.Messages(), 2)

	_, err := f.store.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID: chatID, MessageClientID: "ext", Role: store.RoleUser, Content: "from another tab",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_AbortKeepsPartialUnpersisted(t *testing.T) {
	f := newFixture(t, "partial", " never sent")
	f.provider.gate = make(chan struct{})
	ctx := context.Background()

	var s *Session
	s = f.session(ids.New(), nil, WithDeltaHandler(func(string) { s.Abort() }))

	require.NoError(t, s.Submit(ctx, "Hello", gemini))
	assert.Equal(t, Ready, s.Status())
	assert.Equal(t, "partial", s.Partial())

	local := s.Messages()
	require.Len(t, local, 2)
	assert.Equal(t, "partial", local[1].Content)

	persisted, err := f.store.GetMessagesByChatClientID(ctx, s.ChatID())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, store.RoleUser, persisted[0].Role)
}

func TestOpen_LoadsExistingChatAndFollowsLiveQuery(t *testing.T) {
	f := newFixture(t, "x")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chatID := ids.New()
	_, err := f.store.CreateChat(ctx, chatID, "existing")
	require.NoError(t, err)
	_, err = f.store.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID: chatID, MessageClientID: "m1", Role: store.RoleUser, Content: "earlier",
	})
	require.NoError(t, err)

	s := f.session(chatID, nil)
	require.NoError(t, s.Open(ctx))
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "earlier", s.Messages()[0].Content)

	// A write from elsewhere arrives through the live query.
	_, err = f.store.UpsertMessage(ctx, store.UpsertMessageInput{
		ChatClientID: chatID, MessageClientID: "m2", Role: store.RoleUser, Content: "from another tab",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// The chat already exists, so submitting keeps its title.
	require.NoError(t, s.Submit(ctx, "and now", gemini))
	got, err := f.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "existing", got.Title)
	require.Eventually(t, func() bool { return len(s.Messages()) == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_RejectsConcurrentTurn(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.provider.gate = make(chan struct{})
	s := f.session(ids.New(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "first", gemini) }()
	require.Eventually(t, func() bool { return s.Status() == Streaming }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Submit(context.Background(), "second", gemini), ErrTurnInFlight)

	close(f.provider.gate)
	require.NoError(t, <-done)
}
