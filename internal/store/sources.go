package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CreateSourceVersion inserts-or-ignores a new content-addressed source
// version and records its item associations. Returns the version's hash
// regardless of whether the row already existed.
func (s *Store) CreateSourceVersion(uri string, metadata map[string]any, items []SourceItemMeta, lastUpdated *string) (string, error) {
	hash, err := SourceVersionHash(metadata, items, lastUpdated)
	if err != nil {
		return "", err
	}

	metaBlob, err := marshalSorted(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	itemsBlob, err := marshalSorted(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO source_versions (uri, hash, metadata, items, last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uri, hash, metaBlob, itemsBlob, lastUpdated, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert source version: %w", err)
	}

	for _, item := range items {
		if item.Virtual {
			continue
		}
		itemURI, err := CanonicalizeURI(domainScheme(uri) + "://" + item.Path)
		if err != nil {
			continue
		}
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO source_version_associated_items (source_uri, source_hash, item_uri) VALUES (?, ?, ?)`,
			uri, hash, itemURI.String(),
		)
		if err != nil {
			return "", fmt.Errorf("insert association: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return hash, nil
}

func domainScheme(uri string) string {
	c, err := CanonicalizeURI(uri)
	if err != nil {
		return ""
	}
	return c.Scheme
}

// SourceVersionData is a decoded SourceVersion row.
type SourceVersionData struct {
	URI         string
	Hash        string
	Metadata    map[string]any
	Items       []SourceItemMeta
	LastUpdated *string
}

// GetSourceVersion loads a specific version by (uri, hash).
func (s *Store) GetSourceVersion(uri, hash string) (*SourceVersionData, error) {
	var metaBlob, itemsBlob []byte
	var lastUpdated sql.NullString
	err := s.db.QueryRow(
		`SELECT metadata, items, last_updated FROM source_versions WHERE uri = ? AND hash = ?`,
		uri, hash,
	).Scan(&metaBlob, &itemsBlob, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sv SourceVersionData
	sv.URI, sv.Hash = uri, hash
	if err := msgpack.Unmarshal(metaBlob, &sv.Metadata); err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(itemsBlob, &sv.Items); err != nil {
		return nil, err
	}
	if lastUpdated.Valid {
		sv.LastUpdated = &lastUpdated.String
	}
	return &sv, nil
}

// UserUpdateSource upserts a user's source pointer to a newly created
// version and emits SubscribedSourceDidUpdate to that user.
func (s *Store) UserUpdateSource(userID int64, uri string, fetchDate time.Time, hash string) error {
	date := fetchDate.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO user_sources (user_id, uri, version_date, version_hash, user_data)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT(user_id, uri) DO UPDATE SET version_date=excluded.version_date, version_hash=excluded.version_hash`,
		userID, uri, date, hash,
	)
	if err != nil {
		return fmt.Errorf("update user source pointer: %w", err)
	}
	s.emit(userID, Event{Name: "subscribed_source_did_update", Payload: map[string]any{
		"source": uri, "update_type": "update",
	}}, nil)
	return nil
}

// UserDeleteSource clears a user's pointer version fields (keeping any
// user-data) and emits a delete-type update event.
func (s *Store) UserDeleteSource(userID int64, uri string) error {
	_, err := s.db.Exec(
		`UPDATE user_sources SET version_date = NULL, version_hash = NULL WHERE user_id = ? AND uri = ?`,
		userID, uri,
	)
	if err != nil {
		return err
	}
	s.emit(userID, Event{Name: "subscribed_source_did_update", Payload: map[string]any{
		"source": uri, "update_type": "delete",
	}}, nil)
	return nil
}

// UserUpdateSourceData writes opaque client-encrypted user-data for a
// source pointer (lazily creating the row) and emits
// SourceUserDataDidUpdate to every session of the user except the one
// that originated the write, if any.
func (s *Store) UserUpdateSourceData(userID int64, uri string, data []byte, exclude any) error {
	_, err := s.db.Exec(
		`INSERT INTO user_sources (user_id, uri, user_data) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, uri) DO UPDATE SET user_data=excluded.user_data`,
		userID, uri, data,
	)
	if err != nil {
		return err
	}
	s.emit(userID, Event{Name: "source_user_data_did_update", Payload: map[string]any{
		"source": uri,
	}}, exclude)
	return nil
}

// Subscribe adds (user, sourceURI) to the subscription set. Returns
// ErrAlreadySubscribed if it is already present.
func (s *Store) Subscribe(userID int64, sourceURI string) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO user_source_subscriptions (user_id, source_uri) VALUES (?, ?)`,
		userID, sourceURI,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadySubscribed
	}
	// Lazily create the pointer row so first-fetch bookkeeping (e.g.
	// item_has_versionless_user) has something to query.
	_, _ = s.db.Exec(`INSERT OR IGNORE INTO user_sources (user_id, uri) VALUES (?, ?)`, userID, sourceURI)
	s.emit(userID, Event{Name: "user_did_subscribe_source", Payload: map[string]any{"source": sourceURI}}, nil)
	return nil
}

// Unsubscribe removes (user, sourceURI) from the subscription set.
// Returns ErrNotSubscribed if it was absent.
func (s *Store) Unsubscribe(userID int64, sourceURI string) error {
	res, err := s.db.Exec(
		`DELETE FROM user_source_subscriptions WHERE user_id = ? AND source_uri = ?`,
		userID, sourceURI,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotSubscribed
	}
	s.emit(userID, Event{Name: "user_did_unsubscribe_source", Payload: map[string]any{"source": sourceURI}}, nil)
	return nil
}

// IsSubscribed reports whether user is subscribed to sourceURI.
func (s *Store) IsSubscribed(userID int64, sourceURI string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM user_source_subscriptions WHERE user_id = ? AND source_uri = ?`,
		userID, sourceURI,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// SubscribersOfSource returns every user subscribed to sourceURI.
func (s *Store) SubscribersOfSource(sourceURI string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT user_id FROM user_source_subscriptions WHERE source_uri = ?`, sourceURI)
	if err != nil {
		return nil, err
	}
	return scanInt64Rows(rows)
}

// SubscribersOfItem returns every user subscribed to the source that
// associates itemURI, joined through the associations table.
func (s *Store) SubscribersOfItem(itemURI string) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT uss.user_id
		FROM source_version_associated_items svai
		JOIN user_source_subscriptions uss ON uss.source_uri = svai.source_uri
		WHERE svai.item_uri = ?`, itemURI)
	if err != nil {
		return nil, err
	}
	return scanInt64Rows(rows)
}

// AllUserSubscribedSources returns the de-duplicated set of all source
// URIs any user is subscribed to; used by the auto-fetcher's enqueue
// pass.
func (s *Store) AllUserSubscribedSources() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT source_uri FROM user_source_subscriptions`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// LatestUserSourceVersion returns the most recently fetched version hash
// across any user pointer for uri, and its fetch date, or (nil,nil) if no
// user has ever pointed at a version.
func (s *Store) LatestUserSourceVersion(uri string) (hash *string, date *time.Time, err error) {
	rows, err := s.db.Query(
		`SELECT version_hash, version_date FROM user_sources WHERE uri = ? AND version_hash IS NOT NULL`,
		uri,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var bestHash string
	var bestDate time.Time
	found := false
	for rows.Next() {
		var h string
		var d string
		if err := rows.Scan(&h, &d); err != nil {
			return nil, nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, d)
		if err != nil {
			continue
		}
		if !found || t.After(bestDate) {
			bestHash, bestDate, found = h, t, true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	return &bestHash, &bestDate, nil
}

// ItemHasVersionlessUser reports whether at least one user subscribed to
// sourceURI has no version pointer yet for itemURI — the gate that drives
// per-user first-fetch of items. The association table is not consulted;
// the caller passes an item of the source.
func (s *Store) ItemHasVersionlessUser(sourceURI, itemURI string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1
		FROM user_source_subscriptions uss
		WHERE uss.source_uri = ?
		  AND NOT EXISTS (
			SELECT 1 FROM user_source_items usi
			WHERE usi.user_id = uss.user_id AND usi.uri = ? AND usi.version_hash IS NOT NULL
		  )
		LIMIT 1`, sourceURI, itemURI).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GarbageCollect removes source/item versions, associations, and
// resources that are no longer referenced by any user pointer.
//
// The associated-items predicate below is corrected from the original
// implementation, which tested svai.source_hash against source_versions
// joined by item_uri instead of by hash — a bug. The fix keeps an
// association alive if EITHER its source version OR its item version is
// still referenced (an OR across the two joins), matching how
// associations are meant to be reachable from either end.
func (s *Store) GarbageCollect() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM source_versions AS sv WHERE NOT EXISTS (
			SELECT 1 FROM user_sources us WHERE us.uri = sv.uri AND us.version_hash = sv.hash
		)`,
		`DELETE FROM source_item_versions AS siv WHERE NOT EXISTS (
			SELECT 1 FROM user_source_items usi WHERE usi.uri = siv.uri AND usi.version_hash = siv.hash
		)`,
		`DELETE FROM source_version_associated_items AS svai WHERE NOT (
			EXISTS (SELECT 1 FROM source_versions sv WHERE sv.uri = svai.source_uri AND sv.hash = svai.source_hash)
			OR
			EXISTS (SELECT 1 FROM source_item_versions siv WHERE siv.uri = svai.item_uri)
		)`,
		`DELETE FROM source_item_resource_dependencies AS sird WHERE NOT EXISTS (
			SELECT 1 FROM source_item_versions siv WHERE siv.uri = sird.item_uri AND siv.hash = sird.item_hash
		)`,
		`DELETE FROM source_resources AS sr WHERE NOT EXISTS (
			SELECT 1 FROM source_item_resource_dependencies sird WHERE sird.resource_hash = sr.hash
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("gc: %w", err)
		}
	}
	return tx.Commit()
}

func scanInt64Rows(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
