package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/prognosis/internal/model"
)

const userColumns = `id, email, name, photo_url, password_hash, external_uid, auth_provider, role, created_at`

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PhotoURL, &u.PasswordHash, &u.ExternalUID, &u.AuthProvider, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// CreateUser inserts a new user and returns its ID.
func (s *SQLStore) CreateUser(ctx context.Context, u model.User) (string, error) {
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	if u.AuthProvider == "" {
		u.AuthProvider = "password"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.Email, u.Name, u.PhotoURL, u.PasswordHash, u.ExternalUID, u.AuthProvider, u.Role, u.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return "", err
	}
	slog.Info("created user", "id", id, "provider", u.AuthProvider, "role", u.Role)
	return id, nil
}

// GetUserByID returns a user by ID.
func (s *SQLStore) GetUserByID(ctx context.Context, id string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail returns a user by email.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	if email == "" {
		return model.User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// GetUserByExternalUID returns a user by the subject of their social identity.
func (s *SQLStore) GetUserByExternalUID(ctx context.Context, uid string) (model.User, error) {
	if uid == "" {
		return model.User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_uid = ?`, uid))
}

// ListUsers returns all users.
func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
