package store

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

const (
	PartText  = "text"
	PartImage = "image"
	PartFile  = "file"
)

type User struct {
	ID              int64     `json:"-"`
	TokenIdentifier string    `json:"-"` // identity-provider subject, never echoed
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	ImageURL        string    `json:"image_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Identity is what the identity provider asserts about a caller.
type Identity struct {
	TokenIdentifier string
	Name            string
	Email           string
	PictureURL      string
}

// Chat is addressed by UUID everywhere outside this package; ID is the row id.
type Chat struct {
	ID           int64     `json:"-"`
	UUID         string    `json:"id"`
	Title        string    `json:"title"`
	UserID       *int64    `json:"-"`
	Visibility   string    `json:"visibility"`
	ParentChatID *int64    `json:"-"`
	ParentUUID   string    `json:"parent_id,omitempty"`
	IsAnonymous  bool      `json:"is_anonymous"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type PartMetadata struct {
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Part struct {
	Type     string        `json:"type"` // "text", "image" or "file"
	Content  string        `json:"content"`
	Metadata *PartMetadata `json:"metadata,omitempty"`
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

type Message struct {
	ID                int64        `json:"-"`
	UUID              string       `json:"id"`
	ChatID            int64        `json:"-"`
	ChatUUID          string       `json:"chat_id"`
	Role              string       `json:"role"`
	Content           string       `json:"content"`
	Parts             []Part       `json:"parts"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ModelID           string       `json:"model_id"`
	ModelProvider     string       `json:"model_provider"`
	IsEdited          bool         `json:"is_edited"`
	OriginalMessageID *int64       `json:"-"`
	TokenCount        int          `json:"token_count"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type ChatWithMessages struct {
	Chat     *Chat     `json:"chat"`
	Messages []Message `json:"messages"`
}

// UpsertMessageInput keys the write on MessageClientID.
type UpsertMessageInput struct {
	ChatClientID    string `json:"chat_id"`
	MessageClientID string `json:"id"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	ModelID         string `json:"model_id"`
	ModelProvider   string `json:"model_provider"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type ctxUserKey struct{}

// ContextWithUser marks ctx as belonging to an authenticated user; writes made
// with it are owned by that user.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxUserKey{}, u)
}

// UserFromContext returns nil for anonymous callers.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(ctxUserKey{}).(*User)
	return u
}
