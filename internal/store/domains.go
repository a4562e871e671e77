package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/rivo/uniseg"
)

// domainIDChars is the alphabet domain ids are drawn from: the 26 lower-
// case letters with k and l swapped in sort order, matching the original
// generator exactly (so ids it already minted remain valid under either
// implementation's idea of "next").
const domainIDChars = "abcdefghijlkmnopqrstuvwxyz"

const domainIDLen = 8

const (
	abbrevMinLen      = 1
	abbrevMaxLen      = 6
	nameMinLen        = 1
	nameMaxLen        = 128
	descriptionMaxLen = 2048
	scriptMaxLen      = 262144
)

// DefaultScript is seeded into newly created domains as a starting point
// for the owner to edit.
const DefaultScript = `function loadSource(path) {
	return { tags: {}, items: [] };
}

function loadSourceItem(path) {
	return { tags: {} };
}
`

// Domain is one source namespace plus its fetch script.
type Domain struct {
	ID          string
	Abbrev      string
	Name        string
	Description string
	IsPublic    bool
	OwnerUserID int64
	Script      string
	CreatedAt   time.Time
}

func genDomainID() (string, error) {
	buf := make([]byte, domainIDLen)
	out := make([]byte, domainIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		out[i] = domainIDChars[int(b)%len(domainIDChars)]
	}
	return string(out), nil
}

// GenDomainID generates an unused domain id, retrying on collision.
func (s *Store) GenDomainID() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id, err := genDomainID()
		if err != nil {
			return "", err
		}
		var one int
		err = s.db.QueryRow(`SELECT 1 FROM source_domains WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("gen domain id: exhausted retries")
}

func validateAbbrev(s string) error {
	n := uniseg.GraphemeClusterCount(s)
	if n < abbrevMinLen {
		return NewError(KindAbbrevTooShort, "")
	}
	if n > abbrevMaxLen {
		return NewError(KindAbbrevTooLong, "")
	}
	return nil
}

func validateName(s string) error {
	n := uniseg.GraphemeClusterCount(s)
	if n < nameMinLen {
		return NewError(KindNameTooShort, "")
	}
	if n > nameMaxLen {
		return NewError(KindNameTooLong, "")
	}
	return nil
}

func validateDescription(s string) error {
	if uniseg.GraphemeClusterCount(s) > descriptionMaxLen {
		return NewError(KindDescriptionTooLong, "")
	}
	return nil
}

func validateScript(s string) error {
	if len(s) > scriptMaxLen {
		return NewError(KindScriptTooLong, "")
	}
	return nil
}

// CreateDomain validates and inserts a new domain owned by ownerUserID,
// seeded with DefaultScript, returning the generated id.
func (s *Store) CreateDomain(ownerUserID int64, abbrev, name string) (string, error) {
	if err := validateAbbrev(abbrev); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	id, err := s.GenDomainID()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO source_domains (id, abbrev, name, description, is_public, owner_user_id, script, created_at)
		 VALUES (?, ?, ?, '', 0, ?, ?, ?)`,
		id, abbrev, name, ownerUserID, DefaultScript, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert domain: %w", err)
	}
	return id, nil
}

// UpdateDomainFields is the mutable subset of a Domain a `user_update_domain`
// request may change.
type UpdateDomainFields struct {
	Abbrev      string
	Name        string
	Description string
	IsPublic    bool
	Script      string
}

// UpdateDomain validates and applies fields to the domain with id, only if
// requestingUser owns it.
func (s *Store) UpdateDomain(requestingUser int64, id string, f UpdateDomainFields) error {
	d, err := s.DomainByID(id)
	if err != nil {
		return err
	}
	if d.OwnerUserID != requestingUser {
		return ErrForbidden
	}
	if err := validateAbbrev(f.Abbrev); err != nil {
		return err
	}
	if err := validateName(f.Name); err != nil {
		return err
	}
	if err := validateDescription(f.Description); err != nil {
		return err
	}
	if err := validateScript(f.Script); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE source_domains SET abbrev=?, name=?, description=?, is_public=?, script=? WHERE id=?`,
		f.Abbrev, f.Name, f.Description, f.IsPublic, f.Script, id,
	)
	return err
}

// DeleteDomain removes a domain owned by requestingUser.
func (s *Store) DeleteDomain(requestingUser int64, id string) error {
	d, err := s.DomainByID(id)
	if err != nil {
		return err
	}
	if d.OwnerUserID != requestingUser {
		return ErrForbidden
	}
	_, err = s.db.Exec(`DELETE FROM source_domains WHERE id = ?`, id)
	return err
}

// DomainByID loads a domain, or ErrNotFound.
func (s *Store) DomainByID(id string) (*Domain, error) {
	var d Domain
	var createdAt string
	err := s.db.QueryRow(
		`SELECT id, abbrev, name, description, is_public, owner_user_id, script, created_at FROM source_domains WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.Abbrev, &d.Name, &d.Description, &d.IsPublic, &d.OwnerUserID, &d.Script, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

// PublicDomains returns every domain with is_public = true.
func (s *Store) PublicDomains() ([]Domain, error) {
	return s.queryDomains(`SELECT id, abbrev, name, description, is_public, owner_user_id, script, created_at FROM source_domains WHERE is_public = 1`)
}

// UserDomains returns domains owned by or subscribed to by userID.
func (s *Store) UserDomains(userID int64) ([]Domain, error) {
	return s.queryDomains(`
		SELECT d.id, d.abbrev, d.name, d.description, d.is_public, d.owner_user_id, d.script, d.created_at
		FROM source_domains d
		WHERE d.owner_user_id = ?
		   OR d.id IN (SELECT domain_id FROM user_source_domain_subscriptions WHERE user_id = ?)`,
		userID, userID)
}

func (s *Store) queryDomains(query string, args ...any) ([]Domain, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Domain
	for rows.Next() {
		var d Domain
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Abbrev, &d.Name, &d.Description, &d.IsPublic, &d.OwnerUserID, &d.Script, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SubscribeDomain adds (user, domainID) to the domain-subscription set.
func (s *Store) SubscribeDomain(userID int64, domainID string) error {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO user_source_domain_subscriptions (user_id, domain_id) VALUES (?, ?)`, userID, domainID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError(KindAlreadySubscribed, "")
	}
	s.emit(userID, Event{Name: "user_did_subscribe_domain", Payload: map[string]any{"domain": domainID}}, nil)
	return nil
}

// UnsubscribeDomain removes (user, domainID) from the domain-subscription set.
func (s *Store) UnsubscribeDomain(userID int64, domainID string) error {
	res, err := s.db.Exec(`DELETE FROM user_source_domain_subscriptions WHERE user_id = ? AND domain_id = ?`, userID, domainID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError(KindNotSubscribed, "")
	}
	s.emit(userID, Event{Name: "user_did_unsubscribe_domain", Payload: map[string]any{"domain": domainID}}, nil)
	return nil
}
