package store

import (
	"context"
	"database/sql"
	"fmt"

	"gwi.com/polychat/internal/metrics"
)

const userColumns = "id, token_identifier, name, email, image_url, created_at, updated_at"

func scanUser(row rowScanner) (*User, error) {
	var u User
	var imageURL sql.NullString
	var created, updated int64
	if err := row.Scan(&u.ID, &u.TokenIdentifier, &u.Name, &u.Email, &imageURL, &created, &updated); err != nil {
		return nil, err
	}
	u.ImageURL = imageURL.String
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (s *SQLiteStore) GetUserByToken(ctx context.Context, tokenIdentifier string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE token_identifier = ?", tokenIdentifier)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// StoreUser creates the user for an identity on first contact and refreshes the
// mirrored profile fields afterwards. There is at most one row per token.
func (s *SQLiteStore) StoreUser(ctx context.Context, id Identity) (*User, error) {
	if id.TokenIdentifier == "" {
		return nil, fmt.Errorf("identity has no token identifier")
	}
	name := id.Name
	if name == "" {
		name = "Anonymous"
	}
	var imageURL sql.NullString
	if id.PictureURL != "" {
		imageURL = sql.NullString{String: id.PictureURL, Valid: true}
	}

	existing, err := s.GetUserByToken(ctx, id.TokenIdentifier)
	if err != nil {
		return nil, err
	}

	now := s.nowMillis()
	if existing != nil {
		if existing.Name == name && existing.Email == id.Email && existing.ImageURL == id.PictureURL {
			return existing, nil
		}
		_, err := s.db.ExecContext(ctx,
			"UPDATE users SET name = ?, email = ?, image_url = ?, updated_at = ? WHERE id = ?",
			name, id.Email, imageURL, now, existing.ID)
		metrics.Write("user_refresh", err)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh user: %w", err)
		}
		existing.Name, existing.Email, existing.ImageURL = name, id.Email, id.PictureURL
		existing.UpdatedAt = fromMillis(now)
		return existing, nil
	}

	// ON CONFLICT covers two first contacts racing for the same token.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (token_identifier, name, email, image_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(token_identifier) DO NOTHING`,
		id.TokenIdentifier, name, id.Email, imageURL, now, now)
	metrics.Write("user_create", err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return s.GetUserByToken(ctx, id.TokenIdentifier)
}
