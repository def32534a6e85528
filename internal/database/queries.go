package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	createAccountsTableQuery = "CREATE TABLE IF NOT EXISTS accounts (" +
		"id SERIAL PRIMARY KEY, " +
		"username TEXT NOT NULL UNIQUE, " +
		"password_hash TEXT NOT NULL, " +
		"created_at TIMESTAMPTZ NOT NULL)"
	accountExistsQuery = "SELECT EXISTS (SELECT 1 FROM accounts WHERE username = $1)"
	createAccountQuery = "INSERT INTO accounts (username, password_hash, created_at) " +
		"VALUES ($1, $2, $3)"
	getPasswordHashQuery = "SELECT password_hash FROM accounts " +
		"WHERE username = $1 LIMIT 1"
)

func (s *PgUserStore) IsRegistered(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.conn.QueryRowContext(ctx, accountExistsQuery, username).Scan(&exists)
	return exists, err
}

func (s *PgUserStore) Register(ctx context.Context, username, password string) error {
	pwdHash, err := hashPassword(password)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(
		ctx,
		createAccountQuery,
		username,
		pwdHash,
		time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return ErrUserExists
	}

	return err
}

func (s *PgUserStore) Verify(ctx context.Context, username, password string) (bool, error) {
	var pwdHash string
	err := s.conn.QueryRowContext(ctx, getPasswordHashQuery, username).Scan(&pwdHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return verifyPassword(pwdHash, password), nil
}
