package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dokzlo13/fand/internal/fan"
)

// SQLite is a store backed by a SQLite database, so member states survive a
// daemon restart and groups come up with their last known snapshot.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and initializes the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS member_state (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			attributes TEXT,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create member_state table: %w", err)
	}
	return nil
}

// Get returns the state for a member id.
func (s *SQLite) Get(id string) (fan.MemberState, bool, error) {
	var status string
	var attributes sql.NullString

	err := s.db.QueryRow(
		`SELECT status, attributes FROM member_state WHERE id = ?`, id,
	).Scan(&status, &attributes)
	if err == sql.ErrNoRows {
		return fan.MemberState{}, false, nil
	}
	if err != nil {
		return fan.MemberState{}, false, fmt.Errorf("failed to query member state: %w", err)
	}

	state := fan.MemberState{ID: id, Status: fan.Status(status)}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &state.Attributes); err != nil {
			return fan.MemberState{}, false, fmt.Errorf("failed to unmarshal attributes for %s: %w", id, err)
		}
	}
	return state, true, nil
}

// Set stores a member state, replacing any previous one.
func (s *SQLite) Set(state fan.MemberState) error {
	var attributes []byte
	if state.Attributes != nil {
		var err error
		attributes, err = json.Marshal(state.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO member_state (id, status, attributes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`, state.ID, string(state.Status), string(attributes), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store member state: %w", err)
	}
	return nil
}

// Delete removes a member state. Returns true if it existed.
func (s *SQLite) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM member_state WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete member state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// All returns every stored member state.
func (s *SQLite) All() ([]fan.MemberState, error) {
	rows, err := s.db.Query(`SELECT id, status, attributes FROM member_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query member states: %w", err)
	}
	defer rows.Close()

	var out []fan.MemberState
	for rows.Next() {
		var id, status string
		var attributes sql.NullString
		if err := rows.Scan(&id, &status, &attributes); err != nil {
			return nil, err
		}

		state := fan.MemberState{ID: id, Status: fan.Status(status)}
		if attributes.Valid && attributes.String != "" {
			if err := json.Unmarshal([]byte(attributes.String), &state.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes for %s: %w", id, err)
			}
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
