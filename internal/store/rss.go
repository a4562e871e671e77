package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RssAuthKey grants read-only RSS access to a user without a cookie
// session.
type RssAuthKey struct {
	Key       string
	UserID    int64
	Label     string
	CreatedAt time.Time
}

func genOpaqueKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateRssAuthKey mints a new key for userID.
func (s *Store) CreateRssAuthKey(userID int64, label string) (*RssAuthKey, error) {
	key, err := genOpaqueKey()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO user_rss_auth_keys (key, user_id, label, created_at) VALUES (?, ?, ?, ?)`,
		key, userID, label, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return &RssAuthKey{Key: key, UserID: userID, Label: label, CreatedAt: now}, nil
}

// DeleteRssAuthKey removes a key, only if owned by userID.
func (s *Store) DeleteRssAuthKey(userID int64, key string) error {
	res, err := s.db.Exec(`DELETE FROM user_rss_auth_keys WHERE key = ? AND user_id = ?`, key, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserRssAuthKeys lists a user's keys.
func (s *Store) UserRssAuthKeys(userID int64) ([]RssAuthKey, error) {
	rows, err := s.db.Query(`SELECT key, label, created_at FROM user_rss_auth_keys WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RssAuthKey
	for rows.Next() {
		var k RssAuthKey
		var createdAt string
		if err := rows.Scan(&k.Key, &k.Label, &createdAt); err != nil {
			return nil, err
		}
		k.UserID = userID
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// UserByRssAuthKey resolves a key to its owning user id.
func (s *Store) UserByRssAuthKey(key string) (int64, error) {
	var userID int64
	err := s.db.QueryRow(`SELECT user_id FROM user_rss_auth_keys WHERE key = ?`, key).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return userID, err
}

// CreateRegistrationToken mints a single-use signup token valid until
// expiresAt.
func (s *Store) CreateRegistrationToken(expiresAt time.Time) (string, error) {
	token := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO registration_tokens (token, expires_at, used) VALUES (?, ?, 0)`,
		token, expiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// RedeemRegistrationToken marks a token used, failing if it is unknown,
// already used, or expired.
func (s *Store) RedeemRegistrationToken(token string) error {
	var expiresAt string
	var used bool
	err := s.db.QueryRow(`SELECT expires_at, used FROM registration_tokens WHERE token = ?`, token).Scan(&expiresAt, &used)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if used {
		return NewError(KindInvalid, "token already used")
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || time.Now().After(exp) {
		return NewError(KindInvalid, "token expired")
	}
	_, err = s.db.Exec(`UPDATE registration_tokens SET used = 1 WHERE token = ?`, token)
	return err
}

// UserSourceSummary is one row of a user's source listing.
type UserSourceSummary struct {
	URI         string
	VersionHash *string
}

// UserSourcesList returns every source a user is subscribed to, with its
// current pointer hash if any.
func (s *Store) UserSourcesList(userID int64) ([]UserSourceSummary, error) {
	rows, err := s.db.Query(`
		SELECT uss.source_uri, us.version_hash
		FROM user_source_subscriptions uss
		LEFT JOIN user_sources us ON us.user_id = uss.user_id AND us.uri = uss.source_uri
		WHERE uss.user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserSourceSummary
	for rows.Next() {
		var row UserSourceSummary
		var hash sql.NullString
		if err := rows.Scan(&row.URI, &hash); err != nil {
			return nil, err
		}
		if hash.Valid {
			row.VersionHash = &hash.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
