package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stratoreg/strata"
)

// User is a registry credential record. PasswordHash is a bcrypt hash;
// plaintext passwords are never stored or compared.
type User struct {
	Username     string
	PasswordHash string
	Scopes       []string
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(u User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, scopes) VALUES (?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash, scopes = excluded.scopes`,
		u.Username, u.PasswordHash, strings.Join(u.Scopes, ","),
	)
	return err
}

// GetUser loads a user record by name.
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	var scopes string
	err := s.db.QueryRow(
		`SELECT username, password_hash, scopes FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &u.PasswordHash, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, strata.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if scopes != "" {
		u.Scopes = strings.Split(scopes, ",")
	}
	return &u, nil
}
