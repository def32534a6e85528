package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE postgres reports for a duplicate key.
const uniqueViolation = "23505"

type PgUserStore struct {
	conn *sql.DB
}

func NewPgUserStore(dsn string) (*PgUserStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &PgUserStore{conn: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PgUserStore) migrate() error {
	_, err := s.conn.Exec(createAccountsTableQuery)
	return err
}

func (s *PgUserStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
