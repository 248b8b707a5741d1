package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open initialises the SQLite database and applies the base schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS podcasts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            parser TEXT NOT NULL,
            url TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            author TEXT NOT NULL DEFAULT '',
            image_url TEXT NOT NULL DEFAULT '',
            image BLOB,
            language TEXT NOT NULL DEFAULT '',
            subtitle TEXT NOT NULL DEFAULT '',
            summary TEXT NOT NULL DEFAULT '',
            link TEXT NOT NULL DEFAULT '',
            update_failed INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_podcasts_parser_url ON podcasts(parser, url);`,
		`CREATE TABLE IF NOT EXISTS episodes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            podcast_id INTEGER NOT NULL REFERENCES podcasts(id) ON DELETE CASCADE,
            guid TEXT,
            pubdate TIMESTAMP,
            title TEXT NOT NULL DEFAULT '',
            duration INTEGER NOT NULL DEFAULT 0,
            image_url TEXT NOT NULL DEFAULT '',
            subtitle TEXT NOT NULL DEFAULT '',
            summary TEXT NOT NULL DEFAULT '',
            link TEXT NOT NULL DEFAULT '',
            track_number INTEGER NOT NULL,
            file_url TEXT NOT NULL DEFAULT '',
            file_size INTEGER NOT NULL DEFAULT 0,
            mimetype TEXT NOT NULL DEFAULT '',
            local_path TEXT,
            new INTEGER NOT NULL DEFAULT 1,
            played INTEGER NOT NULL DEFAULT 0,
            progress INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_podcast ON episodes(podcast_id);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_file_url ON episodes(file_url);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_episodes_guid
            ON episodes(podcast_id, guid) WHERE guid IS NOT NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_episodes_title_pubdate
            ON episodes(podcast_id, title, pubdate);`,
		`CREATE TABLE IF NOT EXISTS episode_actions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            episode_id INTEGER NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
            action TEXT NOT NULL,
            timestamp TIMESTAMP NOT NULL,
            started INTEGER NOT NULL DEFAULT 0,
            position INTEGER NOT NULL DEFAULT 0,
            total INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS podcast_actions (
            podcast_url TEXT PRIMARY KEY,
            action TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
