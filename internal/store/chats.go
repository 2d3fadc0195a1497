package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/ids"
	"gwi.com/polychat/internal/metrics"
)

const chatColumns = `c.id, c.uuid, c.title, c.user_id, c.visibility, c.parent_chat_id,
    COALESCE(p.uuid, ''), c.is_anonymous, c.created_at, c.updated_at`

const chatFrom = " FROM chats c LEFT JOIN chats p ON p.id = c.parent_chat_id"

func scanChat(row rowScanner) (*Chat, error) {
	var chat Chat
	var userID, parentID sql.NullInt64
	var created, updated int64
	err := row.Scan(&chat.ID, &chat.UUID, &chat.Title, &userID, &chat.Visibility, &parentID,
		&chat.ParentUUID, &chat.IsAnonymous, &created, &updated)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		chat.UserID = &userID.Int64
	}
	if parentID.Valid {
		chat.ParentChatID = &parentID.Int64
	}
	chat.CreatedAt = fromMillis(created)
	chat.UpdatedAt = fromMillis(updated)
	return &chat, nil
}

func chatNotFound(clientID string) error {
	return chaterr.New(chaterr.NotFound, chaterr.SurfaceChat, fmt.Sprintf("chat %s not found", clientID))
}

// CreateChat inserts a chat owned by the user in ctx, or an anonymous chat when
// ctx carries none. Creating the same client id twice returns the existing row
// instead of a duplicate.
func (s *SQLiteStore) CreateChat(ctx context.Context, clientID, title string) (*Chat, error) {
	var userID sql.NullInt64
	if u := UserFromContext(ctx); u != nil {
		userID = sql.NullInt64{Int64: u.ID, Valid: true}
	}

	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (uuid, title, user_id, visibility, is_anonymous, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(uuid) DO NOTHING`,
		clientID, title, userID, VisibilityPrivate, !userID.Valid, now, now)
	metrics.Write("chat_create", err)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		log.Printf("[Store] Chat %s already exists, returning existing row", clientID)
	} else {
		s.hub.notify(clientID)
	}

	chat, err := s.GetChat(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %s vanished after insert", clientID)
	}
	return chat, nil
}

// GetChat returns (nil, nil) when no chat has the client id.
func (s *SQLiteStore) GetChat(ctx context.Context, clientID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chatColumns+chatFrom+" WHERE c.uuid = ?", clientID)
	chat, err := scanChat(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

// GetChatByClientID returns the chat and its messages in creation order, or
// (nil, nil) when the chat does not exist.
func (s *SQLiteStore) GetChatByClientID(ctx context.Context, clientID string) (*ChatWithMessages, error) {
	chat, err := s.GetChat(ctx, clientID)
	if err != nil || chat == nil {
		return nil, err
	}
	messages, err := s.getMessagesByChatID(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return &ChatWithMessages{Chat: chat, Messages: messages}, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chatColumns+chatFrom+" WHERE c.user_id = ? ORDER BY c.created_at DESC, c.id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, clientID, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ?, updated_at = ? WHERE uuid = ?",
		title, s.nowMillis(), clientID)
	metrics.Write("chat_title", err)
	if err != nil {
		return fmt.Errorf("failed to execute chat title update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return chatNotFound(clientID)
	}
	return nil
}

func (s *SQLiteStore) SetVisibility(ctx context.Context, clientID, visibility string) error {
	if visibility != VisibilityPrivate && visibility != VisibilityPublic {
		return chaterr.New(chaterr.BadRequest, chaterr.SurfaceChat,
			fmt.Sprintf("visibility must be %q or %q", VisibilityPrivate, VisibilityPublic))
	}
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET visibility = ?, updated_at = ? WHERE uuid = ?",
		visibility, s.nowMillis(), clientID)
	metrics.Write("chat_visibility", err)
	if err != nil {
		return fmt.Errorf("failed to execute chat visibility update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return chatNotFound(clientID)
	}
	return nil
}

// ForkChat copies a chat and its messages under newClientID. The copy records its
// parent, and every copied message keeps a reference to the message it came from.
func (s *SQLiteStore) ForkChat(ctx context.Context, sourceClientID, newClientID string) (*Chat, error) {
	source, err := s.GetChatByClientID(ctx, sourceClientID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, chatNotFound(sourceClientID)
	}

	var userID sql.NullInt64
	if u := UserFromContext(ctx); u != nil {
		userID = sql.NullInt64{Int64: u.ID, Valid: true}
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMillis()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chats (uuid, title, user_id, visibility, parent_chat_id, is_anonymous, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			newClientID, source.Chat.Title, userID, VisibilityPrivate, source.Chat.ID, !userID.Valid, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert forked chat: %w", err)
		}
		chatID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, m := range source.Messages {
			parts, err := encodeParts(m.Parts)
			if err != nil {
				return err
			}
			atts, err := encodeAttachments(m.Attachments)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO messages (uuid, chat_id, role, content, parts, attachments, model_id, model_provider,
				     is_edited, original_message_id, token_count, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ids.New(), chatID, m.Role, m.Content, parts, atts, m.ModelID, m.ModelProvider,
				m.IsEdited, m.ID, m.TokenCount, m.CreatedAt.UnixMilli(), now)
			if err != nil {
				return fmt.Errorf("failed to copy message %s: %w", m.UUID, err)
			}
		}
		return nil
	})
	metrics.Write("chat_fork", err)
	if err != nil {
		return nil, err
	}
	s.hub.notify(newClientID)
	return s.GetChat(ctx, newClientID)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
