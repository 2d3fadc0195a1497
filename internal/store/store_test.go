package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/ids"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Deterministic, strictly increasing clock.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

func upsert(chatID, msgID, role, content string) UpsertMessageInput {
	return UpsertMessageInput{
		ChatClientID:    chatID,
		MessageClientID: msgID,
		Role:            role,
		Content:         content,
		ModelID:         "gemini-2.0-flash",
		ModelProvider:   "google",
	}
}

func TestCreateChat_Anonymous(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, "chat-1", "Hello")
	require.NoError(t, err)

	assert.Equal(t, "chat-1", chat.UUID)
	assert.Equal(t, "Hello", chat.Title)
	assert.Nil(t, chat.UserID)
	assert.True(t, chat.IsAnonymous)
	assert.Equal(t, VisibilityPrivate, chat.Visibility)
	assert.NotZero(t, chat.ID)
}

func TestCreateChat_OwnedByContextUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user, err := s.StoreUser(ctx, Identity{TokenIdentifier: "tok-1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	chat, err := s.CreateChat(ContextWithUser(ctx, user), "chat-1", "Owned")
	require.NoError(t, err)
	require.NotNil(t, chat.UserID)
	assert.Equal(t, user.ID, *chat.UserID)
	assert.False(t, chat.IsAnonymous)

	chats, err := s.ListChats(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "chat-1", chats[0].UUID)
}

func TestCreateChat_SameClientIDIsNotDuplicated(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.CreateChat(ctx, "chat-1", "First")
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, "chat-1", "Second")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "First", second.Title)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM chats WHERE uuid = ?", "chat-1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGetChatByClientID_NotFound(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetChatByClientID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertMessage_InsertLeavesEditedFalse(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	id, err := s.UpsertMessage(ctx, upsert("chat-1", "msg-1", RoleUser, "hi"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	msg, err := s.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.False(t, msg.IsEdited)
	assert.Equal(t, 0, msg.TokenCount)
	assert.Equal(t, []Part{{Type: PartText, Content: "hi"}}, msg.Parts)
}

func TestUpsertMessage_SecondUpsertUpdatesInPlace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	firstID, err := s.UpsertMessage(ctx, upsert("chat-1", "msg-1", RoleUser, "first"))
	require.NoError(t, err)
	secondID, err := s.UpsertMessage(ctx, upsert("chat-1", "msg-1", RoleUser, "second"))
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	got, err := s.GetChatByClientID(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "second", got.Messages[0].Content)
	assert.Equal(t, "second", got.Messages[0].Parts[0].Content)
	assert.True(t, got.Messages[0].IsEdited)
}

func TestUpsertMessage_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	in := UpsertMessageInput{
		ChatClientID:    "chat-1",
		MessageClientID: "msg-1",
		Role:            RoleAssistant,
		Content:         "The answer is 42.",
		ModelID:         "gpt-4o",
		ModelProvider:   "openai",
	}
	_, err = s.UpsertMessage(ctx, in)
	require.NoError(t, err)

	msgs, err := s.GetMessagesByChatClientID(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].UUID)
	assert.Equal(t, "chat-1", msgs[0].ChatUUID)
	assert.Equal(t, in.Content, msgs[0].Content)
	assert.Equal(t, in.Role, msgs[0].Role)
	assert.Equal(t, in.ModelID, msgs[0].ModelID)
	assert.Equal(t, in.ModelProvider, msgs[0].ModelProvider)
}

func TestUpsertMessage_MissingChat(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.UpsertMessage(context.Background(), upsert("nope", "msg-1", RoleUser, "hi"))
	require.Error(t, err)
	assert.True(t, chaterr.IsNotFound(err))

	e, _ := chaterr.As(err)
	assert.Equal(t, "not_found:chat", e.Code())
}

func TestUpsertMessage_KeepsMessageInItsChat(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)
	_, err = s.CreateChat(ctx, "chat-2", "t")
	require.NoError(t, err)

	_, err = s.UpsertMessage(ctx, upsert("chat-1", "msg-1", RoleUser, "hi"))
	require.NoError(t, err)

	_, err = s.UpsertMessage(ctx, upsert("chat-2", "msg-1", RoleUser, "moved"))
	e, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, "forbidden:message", e.Code())

	msgs, err := s.GetMessagesByChatClientID(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[0].IsEdited)

	msgs, err = s.GetMessagesByChatClientID(ctx, "chat-2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestUpsertMessage_InvalidRole(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	_, err = s.UpsertMessage(ctx, upsert("chat-1", "msg-1", "tool", "hi"))
	e, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, "bad_request:message", e.Code())
}

func TestMessagesOrderedByCreation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.UpsertMessage(ctx, upsert("chat-1", id, RoleUser, id))
		require.NoError(t, err)
	}
	// Re-upserting the first message must not move it.
	_, err = s.UpsertMessage(ctx, upsert("chat-1", "c", RoleUser, "c2"))
	require.NoError(t, err)

	msgs, err := s.GetMessagesByChatClientID(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{msgs[0].UUID, msgs[1].UUID, msgs[2].UUID})
}

func TestEditMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)
	_, err = s.UpsertMessage(ctx, upsert("chat-1", "msg-1", RoleUser, "original"))
	require.NoError(t, err)

	require.NoError(t, s.EditMessage(ctx, "msg-1", "first edit"))
	require.NoError(t, s.EditMessage(ctx, "msg-1", "second edit"))

	got, err := s.GetChatByClientID(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "msg-1", got.Messages[0].UUID)
	assert.Equal(t, "second edit", got.Messages[0].Content)
	assert.True(t, got.Messages[0].IsEdited)
	assert.True(t, got.Messages[0].UpdatedAt.After(got.Messages[0].CreatedAt))
}

func TestEditMessage_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.EditMessage(context.Background(), "missing", "x")
	e, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, "not_found:message", e.Code())
}

func TestUpdateChatTitleAndVisibility(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	created, err := s.CreateChat(ctx, "chat-1", "t")
	require.NoError(t, err)

	require.NoError(t, s.UpdateChatTitle(ctx, "chat-1", "Renamed"))
	require.NoError(t, s.SetVisibility(ctx, "chat-1", VisibilityPublic))

	chat, err := s.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", chat.Title)
	assert.Equal(t, VisibilityPublic, chat.Visibility)
	assert.True(t, chat.UpdatedAt.After(created.UpdatedAt))

	assert.True(t, chaterr.IsNotFound(s.UpdateChatTitle(ctx, "missing", "x")))
	assert.Error(t, s.SetVisibility(ctx, "chat-1", "secret"))
}

func TestForkChat(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.CreateChat(ctx, "src", "Source")
	require.NoError(t, err)
	_, err = s.UpsertMessage(ctx, upsert("src", "m1", RoleUser, "question"))
	require.NoError(t, err)
	_, err = s.UpsertMessage(ctx, upsert("src", "m2", RoleAssistant, "answer"))
	require.NoError(t, err)

	newID := ids.New()
	fork, err := s.ForkChat(ctx, "src", newID)
	require.NoError(t, err)
	assert.Equal(t, "src", fork.ParentUUID)
	assert.Equal(t, "Source", fork.Title)

	got, err := s.GetChatByClientID(ctx, newID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "question", got.Messages[0].Content)
	assert.Equal(t, "answer", got.Messages[1].Content)
	assert.NotEqual(t, "m1", got.Messages[0].UUID)
	assert.NotNil(t, got.Messages[0].OriginalMessageID)

	_, err = s.ForkChat(ctx, "missing", ids.New())
	assert.True(t, chaterr.IsNotFound(err))
}

func TestStoreUser_UpsertByToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.StoreUser(ctx, Identity{TokenIdentifier: "tok", Name: "", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", first.Name)

	second, err := s.StoreUser(ctx, Identity{TokenIdentifier: "tok", Name: "Ada", Email: "ada@example.com", PictureURL: "https://img"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada", second.Name)
	assert.Equal(t, "https://img", second.ImageURL)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Equal(t, 1, count)

	missing, err := s.GetUserByToken(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
