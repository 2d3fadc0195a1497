package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore is the persistence gateway. Chats and messages are keyed by their
// client-generated UUIDs; the integer row ids never leave this package.
type SQLiteStore struct {
	db  *sql.DB
	hub *hub
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, hub: newHub(), now: time.Now}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        token_identifier TEXT UNIQUE NOT NULL,
        name TEXT NOT NULL,
        email TEXT NOT NULL,
        image_url TEXT,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);

    CREATE TABLE IF NOT EXISTS chats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        uuid TEXT UNIQUE NOT NULL,
        title TEXT NOT NULL,
        user_id INTEGER,
        visibility TEXT NOT NULL DEFAULT 'private' CHECK (visibility IN ('private', 'public')),
        parent_chat_id INTEGER,
        is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id),
        FOREIGN KEY (parent_chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_user ON chats (user_id);
    CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats (created_at);

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        uuid TEXT UNIQUE NOT NULL,
        chat_id INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
        content TEXT NOT NULL,
        parts TEXT NOT NULL DEFAULT '[]',
        attachments TEXT,
        model_id TEXT NOT NULL,
        model_provider TEXT NOT NULL,
        is_edited BOOLEAN NOT NULL DEFAULT FALSE,
        original_message_id INTEGER,
        token_count INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id),
        FOREIGN KEY (original_message_id) REFERENCES messages (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as unix milliseconds.
func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func textParts(content string) []Part {
	return []Part{{Type: PartText, Content: content}}
}

func encodeParts(parts []Part) (string, error) {
	if parts == nil {
		parts = []Part{}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parts: %w", err)
	}
	return string(b), nil
}

func encodeAttachments(atts []Attachment) (sql.NullString, error) {
	if len(atts) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal attachments: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSONColumn(column, raw string, dst any) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		log.Printf("[Store] Warning: failed to unmarshal %s column: %v", column, err)
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
