package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/metrics"
)

const messageColumns = `m.id, m.uuid, m.chat_id, c.uuid, m.role, m.content, m.parts, m.attachments,
    m.model_id, m.model_provider, m.is_edited, m.original_message_id, m.token_count, m.created_at, m.updated_at`

const messageFrom = " FROM messages m JOIN chats c ON c.id = m.chat_id"

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var parts string
	var atts sql.NullString
	var original sql.NullInt64
	var created, updated int64
	err := row.Scan(&msg.ID, &msg.UUID, &msg.ChatID, &msg.ChatUUID, &msg.Role, &msg.Content, &parts, &atts,
		&msg.ModelID, &msg.ModelProvider, &msg.IsEdited, &original, &msg.TokenCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	msg.Parts = []Part{}
	decodeJSONColumn("parts", parts, &msg.Parts)
	if atts.Valid {
		decodeJSONColumn("attachments", atts.String, &msg.Attachments)
	}
	if original.Valid {
		msg.OriginalMessageID = &original.Int64
	}
	msg.CreatedAt = fromMillis(created)
	msg.UpdatedAt = fromMillis(updated)
	return &msg, nil
}

func messageNotFound(clientID string) error {
	return chaterr.New(chaterr.NotFound, chaterr.SurfaceMessage, fmt.Sprintf("message %s not found", clientID))
}

// GetMessagesByChatClientID lists a chat's messages in creation order. An
// unknown chat yields an empty list.
func (s *SQLiteStore) GetMessagesByChatClientID(ctx context.Context, chatClientID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+messageFrom+" WHERE c.uuid = ? ORDER BY m.created_at ASC, m.id ASC", chatClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) getMessagesByChatID(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+messageFrom+" WHERE m.chat_id = ? ORDER BY m.created_at ASC, m.id ASC", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage returns (nil, nil) when no message has the client id.
func (s *SQLiteStore) GetMessage(ctx context.Context, clientID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+messageFrom+" WHERE m.uuid = ?", clientID)
	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UpsertMessage writes a message keyed by its client id. An existing row has its
// content and parts replaced and is flagged edited; otherwise a new row is
// inserted with a zero token count. The chat must already exist, and an existing
// message is never moved to another chat. It returns the message's internal id.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, in UpsertMessageInput) (int64, error) {
	if !ValidRole(in.Role) {
		return 0, chaterr.New(chaterr.BadRequest, chaterr.SurfaceMessage, fmt.Sprintf("invalid role %q", in.Role))
	}
	if in.MessageClientID == "" {
		return 0, chaterr.New(chaterr.BadRequest, chaterr.SurfaceMessage, "message id is required")
	}
	parts, err := encodeParts(textParts(in.Content))
	if err != nil {
		return 0, err
	}

	var (
		messageID    int64
		previousChat string
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var chatID int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM chats WHERE uuid = ?", in.ChatClientID).Scan(&chatID)
		if err == sql.ErrNoRows {
			return chatNotFound(in.ChatClientID)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve chat: %w", err)
		}

		now := s.nowMillis()
		err = tx.QueryRowContext(ctx,
			"SELECT m.id, c.uuid FROM messages m JOIN chats c ON c.id = m.chat_id WHERE m.uuid = ?",
			in.MessageClientID).Scan(&messageID, &previousChat)
		switch {
		case err == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx,
				`INSERT INTO messages (uuid, chat_id, role, content, parts, model_id, model_provider,
				     is_edited, token_count, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, 0, ?, ?)`,
				in.MessageClientID, chatID, in.Role, in.Content, parts, in.ModelID, in.ModelProvider, now, now)
			if err != nil {
				return fmt.Errorf("failed to execute message insert: %w", err)
			}
			messageID, err = res.LastInsertId()
			return err
		case err != nil:
			return fmt.Errorf("failed to look up message: %w", err)
		case previousChat != in.ChatClientID:
			return chaterr.New(chaterr.Forbidden, chaterr.SurfaceMessage,
				fmt.Sprintf("message %s belongs to another chat", in.MessageClientID))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET role = ?, content = ?, parts = ?, model_id = ?, model_provider = ?,
			     is_edited = TRUE, updated_at = ?
			 WHERE id = ?`,
			in.Role, in.Content, parts, in.ModelID, in.ModelProvider, now, messageID)
		if err != nil {
			return fmt.Errorf("failed to execute message update: %w", err)
		}
		return nil
	})
	metrics.Write("message_upsert", err)
	if err != nil {
		return 0, err
	}

	s.touchChat(ctx, in.ChatClientID)
	s.hub.notify(in.ChatClientID)
	return messageID, nil
}

// EditMessage replaces a message's content and parts and flags it edited.
func (s *SQLiteStore) EditMessage(ctx context.Context, clientID, content string) error {
	parts, err := encodeParts(textParts(content))
	if err != nil {
		return err
	}

	var chatUUID string
	err = s.db.QueryRowContext(ctx,
		"SELECT c.uuid FROM messages m JOIN chats c ON c.id = m.chat_id WHERE m.uuid = ?", clientID).Scan(&chatUUID)
	if err == sql.ErrNoRows {
		return messageNotFound(clientID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, parts = ?, is_edited = TRUE, updated_at = ? WHERE uuid = ?",
		content, parts, s.nowMillis(), clientID)
	metrics.Write("message_edit", err)
	if err != nil {
		return fmt.Errorf("failed to execute message edit: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return messageNotFound(clientID)
	}

	s.touchChat(ctx, chatUUID)
	s.hub.notify(chatUUID)
	return nil
}

// touchChat bumps a chat's updated_at after message activity. Failure only
// affects list ordering, so it is logged rather than returned.
func (s *SQLiteStore) touchChat(ctx context.Context, clientID string) {
	if _, err := s.db.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE uuid = ?", s.nowMillis(), clientID); err != nil {
		log.Printf("[Store] Warning: failed to touch chat %s: %v", clientID, err)
	}
}
