package repository

import (
	"context"
	"strings"
	"time"

	"podkeep/internal/domain"
)

// OutboxEpisodeAction is an episode action joined with the URLs the remote
// service identifies episodes by.
type OutboxEpisodeAction struct {
	domain.EpisodeAction
	PodcastURL string
	EpisodeURL string
}

// AddEpisodeAction appends an action to the episode outbox. A zero timestamp
// is replaced with the current time.
func (s *Store) AddEpisodeAction(ctx context.Context, a *domain.EpisodeAction) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO episode_actions
(episode_id, action, timestamp, started, position, total)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.EpisodeID, a.Action, a.Timestamp.UTC().Format(time.RFC3339Nano),
		a.Started, a.Position, a.Total)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// ListEpisodeActions returns all pending episode actions, oldest first.
func (s *Store) ListEpisodeActions(ctx context.Context) ([]OutboxEpisodeAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
a.id, a.episode_id, a.action, a.timestamp, a.started, a.position, a.total,
p.url, e.file_url
FROM episode_actions a
JOIN episodes e ON e.id = a.episode_id
JOIN podcasts p ON p.id = e.podcast_id
ORDER BY a.timestamp, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]OutboxEpisodeAction, 0, 16)
	for rows.Next() {
		var a OutboxEpisodeAction
		var ts string
		if err := rows.Scan(&a.ID, &a.EpisodeID, &a.Action, &ts, &a.Started,
			&a.Position, &a.Total, &a.PodcastURL, &a.EpisodeURL); err != nil {
			return nil, err
		}
		if t, err := parseTime(ts); err == nil {
			a.Timestamp = t
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteEpisodeActions removes the given outbox rows in one transaction;
// called only after a confirmed push.
func (s *Store) DeleteEpisodeActions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM episode_actions WHERE id = ?", id); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// UpsertPodcastAction records a subscription change, collapsing to one row
// per URL with the latest action winning.
func (s *Store) UpsertPodcastAction(ctx context.Context, podcastURL, action string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO podcast_actions (podcast_url, action)
VALUES (?, ?)
ON CONFLICT(podcast_url) DO UPDATE SET action = excluded.action`, podcastURL, action)
	return err
}

func (s *Store) ListPodcastActions(ctx context.Context) ([]domain.PodcastAction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT podcast_url, action FROM podcast_actions ORDER BY podcast_url")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]domain.PodcastAction, 0, 8)
	for rows.Next() {
		var a domain.PodcastAction
		if err := rows.Scan(&a.PodcastURL, &a.Action); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *Store) DeletePodcastActions(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		for _, url := range urls {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM podcast_actions WHERE podcast_url = ?", url); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// EpisodeStateChange is one sync-merge update addressed by the episode's
// file URL. Nil fields are left untouched.
type EpisodeStateChange struct {
	EpisodeURL string
	Played     *bool
	Progress   *int
}

// ApplyEpisodeStateChanges applies a merged, timestamp-ordered batch of
// state changes in a single transaction. Changes whose URL matches no
// episode update nothing and are not an error.
func (s *Store) ApplyEpisodeStateChanges(ctx context.Context, changes []EpisodeStateChange) error {
	if len(changes) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		for _, change := range changes {
			sets := make([]string, 0, 2)
			args := make([]any, 0, 3)
			if change.Played != nil {
				sets = append(sets, "played = ?")
				args = append(args, *change.Played)
			}
			if change.Progress != nil {
				sets = append(sets, "progress = ?")
				args = append(args, *change.Progress)
			}
			if len(sets) == 0 {
				continue
			}
			args = append(args, change.EpisodeURL)
			query := "UPDATE episodes SET " + strings.Join(sets, ", ") + " WHERE file_url = ?"
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// ApplySubscriptionChanges applies a remote subscription pull: removals,
// additions and the new cursor all land in one transaction. Added URLs that
// already exist locally are skipped; fresh additions also record an add
// action so other devices learn about them.
func (s *Store) ApplySubscriptionChanges(ctx context.Context, add, remove []string, cursorKey, cursor string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		for _, url := range remove {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM podcasts WHERE url = ?", url); err != nil {
				return err
			}
		}
		for _, url := range add {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO podcasts (parser, url)
VALUES (?, ?)`, domain.ParserFeed, url)
			if err != nil {
				return err
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if inserted > 0 {
				if _, err := tx.ExecContext(ctx, `INSERT INTO podcast_actions (podcast_url, action)
VALUES (?, ?)
ON CONFLICT(podcast_url) DO UPDATE SET action = excluded.action`,
					url, domain.ActionAdd); err != nil {
					return err
				}
			}
		}

		value, err := encodeSetting(cursor)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, cursorKey, value); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// UpdatePodcastURL rewrites a podcast's URL after the remote service
// reported a canonical address change.
func (s *Store) UpdatePodcastURL(ctx context.Context, oldURL, newURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE podcasts SET url = ? WHERE url = ?", newURL, oldURL)
	if err != nil && isUniqueViolation(err) {
		// The canonical feed is already subscribed; drop the stale row.
		_, err = s.db.ExecContext(ctx, "DELETE FROM podcasts WHERE url = ?", oldURL)
	}
	return err
}
