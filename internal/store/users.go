package store

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 210_000
	pbkdf2KeyLen     = 64
	saltLen          = 16
	clientKeyLen     = 32
)

// User is a registered aof account.
type User struct {
	ID          int64
	Name        string
	ClientKey   []byte
	SecretKeyEnv []byte
	TokenBudget int64
	CreatedAt   time.Time
}

func normalizeUserName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func derivePassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
}

// CreateUser registers a new account. secretKeyEnv is the client-supplied,
// already-encrypted secret-key envelope (the server never sees plaintext
// key material — see GLOSSARY "Camo" and the WASM crypto envelope
// mentioned as an external collaborator in the source scope).
func (s *Store) CreateUser(name, password string, secretKeyEnv []byte) (*User, error) {
	norm := normalizeUserName(name)
	if norm == "" {
		return nil, NewError(KindInvalidName, "")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	hash := derivePassword(password, salt)
	clientKey := make([]byte, clientKeyLen)
	if _, err := rand.Read(clientKey); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO users (name, password_salt, password_hash, client_key, secret_key_env, token_budget, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		norm, salt, hash, clientKey, secretKeyEnv, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, NewError(KindNameTaken, "")
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Name: norm, ClientKey: clientKey, SecretKeyEnv: secretKeyEnv, CreatedAt: now}, nil
}

// UserByID loads a user by numeric id.
func (s *Store) UserByID(id int64) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(
		`SELECT id, name, client_key, secret_key_env, token_budget, created_at FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Name, &u.ClientKey, &u.SecretKeyEnv, &u.TokenBudget, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &u, nil
}

// VerifyPassword checks name/password and returns the matching user.
func (s *Store) VerifyPassword(name, password string) (*User, error) {
	norm := normalizeUserName(name)
	var id int64
	var salt, want []byte
	err := s.db.QueryRow(
		`SELECT id, password_salt, password_hash FROM users WHERE name = ?`, norm,
	).Scan(&id, &salt, &want)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	got := derivePassword(password, salt)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, ErrForbidden
	}
	return s.UserByID(id)
}

// ChangeName validates and applies a new name (no password check),
// mapping a unique constraint violation onto KindNameTaken rather than a
// generic error.
func (s *Store) ChangeName(userID int64, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	norm := normalizeUserName(newName)
	_, err := s.db.Exec(`UPDATE users SET name = ? WHERE id = ?`, norm, userID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return NewError(KindNameTaken, "")
		}
		return err
	}
	return nil
}

// ChangePassword verifies the current password, then sets a new one.
func (s *Store) ChangePassword(userID int64, currentPassword, newPassword string) error {
	u, err := s.UserByID(userID)
	if err != nil {
		return err
	}
	if _, err := s.VerifyPassword(u.Name, currentPassword); err != nil {
		return err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash := derivePassword(newPassword, salt)
	_, err = s.db.Exec(`UPDATE users SET password_salt = ?, password_hash = ? WHERE id = ?`, salt, hash, userID)
	return err
}

// ChangeSecretKey verifies the current password, then replaces the
// client-encrypted secret-key envelope.
func (s *Store) ChangeSecretKey(userID int64, currentPassword string, newSecretKeyEnv []byte) error {
	u, err := s.UserByID(userID)
	if err != nil {
		return err
	}
	if _, err := s.VerifyPassword(u.Name, currentPassword); err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET secret_key_env = ? WHERE id = ?`, newSecretKeyEnv, userID)
	return err
}

// RegenClientKey replaces a user's opaque client-key with fresh random
// bytes, returning the new value.
func (s *Store) RegenClientKey(userID int64) ([]byte, error) {
	key := make([]byte, clientKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	_, err := s.db.Exec(`UPDATE users SET client_key = ? WHERE id = ?`, key, userID)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteUser verifies the password, then removes the account and all of
// its owned rows.
func (s *Store) DeleteUser(userID int64, password string) error {
	u, err := s.UserByID(userID)
	if err != nil {
		return err
	}
	if _, err := s.VerifyPassword(u.Name, password); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM user_sources WHERE user_id = ?`,
		`DELETE FROM user_source_items WHERE user_id = ?`,
		`DELETE FROM user_source_subscriptions WHERE user_id = ?`,
		`DELETE FROM user_source_domain_subscriptions WHERE user_id = ?`,
		`DELETE FROM user_rss_auth_keys WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}
	return tx.Commit()
}
