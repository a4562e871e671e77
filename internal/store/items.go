package store

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CreateItemVersion inserts-or-ignores a gzip-compressed, content-addressed
// item version and returns its hash.
func (s *Store) CreateItemVersion(uri string, tags map[string]any, lastUpdated *string) (string, error) {
	hash, err := ItemVersionHash(tags, lastUpdated)
	if err != nil {
		return "", err
	}

	raw, err := marshalSorted(tags)
	if err != nil {
		return "", fmt.Errorf("encode item tags: %w", err)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return "", fmt.Errorf("gzip item data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("gzip item data: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO source_item_versions (uri, hash, data, last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uri, hash, buf.Bytes(), lastUpdated, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert item version: %w", err)
	}
	return hash, nil
}

// GetItemVersion loads and decompresses a specific item version.
func (s *Store) GetItemVersion(uri, hash string) (tags map[string]any, lastUpdated *string, err error) {
	var blob []byte
	var lu sql.NullString
	err = s.db.QueryRow(
		`SELECT data, last_updated FROM source_item_versions WHERE uri = ? AND hash = ?`,
		uri, hash,
	).Scan(&blob, &lu)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, nil, fmt.Errorf("gunzip item data: %w", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("gunzip item data: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &tags); err != nil {
		return nil, nil, err
	}
	if lu.Valid {
		lastUpdated = &lu.String
	}
	return tags, lastUpdated, nil
}

// UserUpdateItem upserts a user's item pointer and emits
// SubscribedSourceItemDidUpdate.
func (s *Store) UserUpdateItem(userID int64, uri string, fetchDate time.Time, hash string) error {
	date := fetchDate.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO user_source_items (user_id, uri, version_date, version_hash, user_data)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT(user_id, uri) DO UPDATE SET version_date=excluded.version_date, version_hash=excluded.version_hash`,
		userID, uri, date, hash,
	)
	if err != nil {
		return fmt.Errorf("update user item pointer: %w", err)
	}
	s.emit(userID, Event{Name: "subscribed_source_item_did_update", Payload: map[string]any{
		"source_item": uri, "update_type": "update",
	}}, nil)
	return nil
}

// UserDeleteItem clears a user's item pointer version fields.
func (s *Store) UserDeleteItem(userID int64, uri string) error {
	_, err := s.db.Exec(
		`UPDATE user_source_items SET version_date = NULL, version_hash = NULL WHERE user_id = ? AND uri = ?`,
		userID, uri,
	)
	if err != nil {
		return err
	}
	s.emit(userID, Event{Name: "subscribed_source_item_did_update", Payload: map[string]any{
		"source_item": uri, "update_type": "delete",
	}}, nil)
	return nil
}

// UserUpdateSourceItemData writes opaque per-item user-data, excluding the
// originating session from the resulting event.
func (s *Store) UserUpdateSourceItemData(userID int64, uri string, data []byte, exclude any) error {
	_, err := s.db.Exec(
		`INSERT INTO user_source_items (user_id, uri, user_data) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, uri) DO UPDATE SET user_data=excluded.user_data`,
		userID, uri, data,
	)
	if err != nil {
		return err
	}
	s.emit(userID, Event{Name: "source_item_user_data_did_update", Payload: map[string]any{
		"source_item": uri,
	}}, exclude)
	return nil
}

// UserSourcePointer is a decoded (user, uri) -> version row, for either a
// source or an item, plus its opaque client-encrypted user-data.
type UserSourcePointer struct {
	VersionDate *time.Time
	VersionHash *string
	UserData    []byte
}

// GetUserSourcePointer loads a user's source pointer, if any row exists.
func (s *Store) GetUserSourcePointer(userID int64, uri string) (*UserSourcePointer, error) {
	return s.getPointer("user_sources", userID, uri)
}

// GetUserItemPointer loads a user's item pointer, if any row exists.
func (s *Store) GetUserItemPointer(userID int64, uri string) (*UserSourcePointer, error) {
	return s.getPointer("user_source_items", userID, uri)
}

func (s *Store) getPointer(table string, userID int64, uri string) (*UserSourcePointer, error) {
	var date, hash sql.NullString
	var data []byte
	err := s.db.QueryRow(
		`SELECT version_date, version_hash, user_data FROM `+table+` WHERE user_id = ? AND uri = ?`,
		userID, uri,
	).Scan(&date, &hash, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := &UserSourcePointer{UserData: data}
	if hash.Valid {
		p.VersionHash = &hash.String
	}
	if date.Valid {
		t, err := time.Parse(time.RFC3339Nano, date.String)
		if err == nil {
			p.VersionDate = &t
		}
	}
	return p, nil
}
