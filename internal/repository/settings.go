package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Library settings live in the database as dotted keys with JSON-encoded
// values, so behaviour follows the library file around and survives
// reinstalls.

// SettingDefaults are seeded on first run; existing values are never
// overwritten.
func SettingDefaults() map[string]any {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return map[string]any{
		"downloads.workers": 2,

		"player.smart_mark_seconds": 30,

		"library.synchronize_interval": 60,

		"gpodder.synchronize":            false,
		"gpodder.hostname":               "gpodder.net",
		"gpodder.username":               "",
		"gpodder.password":               "",
		"gpodder.deviceid":               fmt.Sprintf("podkeep-%s", host),
		"gpodder.devicename":             fmt.Sprintf("podkeep on %s", host),
		"gpodder.devicename_changed":     false,
		"gpodder.last_subscription_sync": "0",
		"gpodder.last_episodes_sync":     "0",
	}
}

// SeedDefaults inserts any missing settings, leaving existing values alone.
func (s *Store) SeedDefaults(ctx context.Context, defaults map[string]any) error {
	for key, value := range defaults {
		encoded, err := encodeSetting(value)
		if err != nil {
			return fmt.Errorf("encode default %s: %w", key, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)", key, encoded); err != nil {
			return err
		}
	}
	return nil
}

// GetSetting decodes the value for a key into out.
func (s *Store) GetSetting(ctx context.Context, key string, out any) error {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(value), out)
}

func (s *Store) SetSetting(ctx context.Context, key string, value any) error {
	encoded, err := encodeSetting(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, encoded)
	return err
}

// SettingsGroup returns all settings under "group." with the prefix
// stripped, decoded from JSON.
func (s *Store) SettingsGroup(ctx context.Context, group string) (map[string]any, error) {
	prefix := group + "."
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM settings WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode setting %s: %w", key, err)
		}
		values[strings.TrimPrefix(key, prefix)] = value
	}
	return values, rows.Err()
}

func (s *Store) SettingString(ctx context.Context, key string) (string, error) {
	var value string
	err := s.GetSetting(ctx, key, &value)
	return value, err
}

func (s *Store) SettingInt(ctx context.Context, key string) (int, error) {
	var value int
	err := s.GetSetting(ctx, key, &value)
	return value, err
}

func (s *Store) SettingBool(ctx context.Context, key string) (bool, error) {
	var value bool
	err := s.GetSetting(ctx, key, &value)
	return value, err
}

func encodeSetting(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
