package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jovyan/nbgate/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS runtimes (
	uid TEXT PRIMARY KEY,
	pod_name TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	ingress TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	expired_at TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT ''
);
`

type db struct {
	conn *sql.DB
}

// NewWithDB opens (creating if needed) a SQLite-backed store at dbPath
// and loads any runtimes persisted by a previous daemon run.
func NewWithDB(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := New()
	s.db = &db{conn: conn}
	if err := s.loadFromDB(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromDB() error {
	rows, err := s.db.conn.Query(`SELECT uid, pod_name, environment, name, ingress, token,
		started_at, expired_at, status, owner FROM runtimes`)
	if err != nil {
		return fmt.Errorf("load runtimes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rt protocol.Runtime
		if err := rows.Scan(&rt.UID, &rt.PodName, &rt.Environment, &rt.Name, &rt.Ingress,
			&rt.Token, &rt.StartedAt, &rt.ExpiredAt, &rt.Status, &rt.Owner); err != nil {
			return fmt.Errorf("scan runtime: %w", err)
		}
		s.runtimes[rt.UID] = &rt
	}
	return rows.Err()
}

func (d *db) upsert(rt *protocol.Runtime) error {
	_, err := d.conn.Exec(`INSERT INTO runtimes
		(uid, pod_name, environment, name, ingress, token, started_at, expired_at, status, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			pod_name = excluded.pod_name,
			environment = excluded.environment,
			name = excluded.name,
			ingress = excluded.ingress,
			token = excluded.token,
			started_at = excluded.started_at,
			expired_at = excluded.expired_at,
			status = excluded.status,
			owner = excluded.owner`,
		rt.UID, rt.PodName, rt.Environment, rt.Name, rt.Ingress, rt.Token,
		string(rt.StartedAt), string(rt.ExpiredAt), rt.Status, rt.Owner)
	if err != nil {
		return fmt.Errorf("persist runtime %s: %w", rt.UID, err)
	}
	return nil
}

func (d *db) remove(uid string) error {
	if _, err := d.conn.Exec(`DELETE FROM runtimes WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("delete runtime %s: %w", uid, err)
	}
	return nil
}

func (d *db) close() error {
	return d.conn.Close()
}
