package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS links (
	tag TEXT NOT NULL,
	local_id INTEGER NOT NULL,
	remote_id INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tag, local_id)
);

CREATE TABLE IF NOT EXISTS watermarks (
	tag TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	synced_at INTEGER NOT NULL,
	PRIMARY KEY (tag, entity_id)
);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the identity map at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("identity: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SyncID(tag Tag, local int64) (int64, error) {
	if err := validate(tag, local); err != nil {
		return 0, err
	}
	var remote int64
	err := s.db.QueryRow(`SELECT remote_id FROM links WHERE tag = ? AND local_id = ?`, string(tag), local).Scan(&remote)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("identity: get link %s/%d: %w", tag, local, err)
	}
	return remote, nil
}

func (s *SQLite) SetSyncID(tag Tag, local, remote int64) error {
	if err := validate(tag, local); err != nil {
		return err
	}
	if remote == 0 {
		if _, err := s.db.Exec(`DELETE FROM links WHERE tag = ? AND local_id = ?`, string(tag), local); err != nil {
			return fmt.Errorf("identity: delete link %s/%d: %w", tag, local, err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO links (tag, local_id, remote_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tag, local_id) DO UPDATE SET remote_id = excluded.remote_id, updated_at = excluded.updated_at`,
		string(tag), local, remote, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("identity: set link %s/%d: %w", tag, local, err)
	}
	return nil
}

func (s *SQLite) Watermark(tag Tag, id int64) (time.Time, error) {
	if err := validate(tag, id); err != nil {
		return time.Time{}, err
	}
	var v int64
	err := s.db.QueryRow(`SELECT synced_at FROM watermarks WHERE tag = ? AND entity_id = ?`, string(tag), id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("identity: get watermark %s/%d: %w", tag, id, err)
	}
	return decode(v), nil
}

func (s *SQLite) SetWatermark(tag Tag, id int64, at time.Time) error {
	if err := validate(tag, id); err != nil {
		return err
	}
	if at.IsZero() {
		if _, err := s.db.Exec(`DELETE FROM watermarks WHERE tag = ? AND entity_id = ?`, string(tag), id); err != nil {
			return fmt.Errorf("identity: clear watermark %s/%d: %w", tag, id, err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO watermarks (tag, entity_id, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(tag, entity_id) DO UPDATE SET synced_at = excluded.synced_at`,
		string(tag), id, encode(at))
	if err != nil {
		return fmt.Errorf("identity: set watermark %s/%d: %w", tag, id, err)
	}
	return nil
}

// Links lists every link ordered by tag and local id.
func (s *SQLite) Links() ([]Link, error) {
	rows, err := s.db.Query(`SELECT tag, local_id, remote_id FROM links ORDER BY tag, local_id`)
	if err != nil {
		return nil, fmt.Errorf("identity: list links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var tag string
		if err := rows.Scan(&tag, &l.Local, &l.Remote); err != nil {
			return nil, fmt.Errorf("identity: scan link: %w", err)
		}
		l.Tag = Tag(tag)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Watermarks lists every watermark ordered by tag and entity id.
func (s *SQLite) Watermarks() ([]Mark, error) {
	rows, err := s.db.Query(`SELECT tag, entity_id, synced_at FROM watermarks ORDER BY tag, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("identity: list watermarks: %w", err)
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var m Mark
		var tag string
		var v int64
		if err := rows.Scan(&tag, &m.ID, &v); err != nil {
			return nil, fmt.Errorf("identity: scan watermark: %w", err)
		}
		m.Tag = Tag(tag)
		m.At = decode(v)
		out = append(out, m)
	}
	return out, rows.Err()
}
