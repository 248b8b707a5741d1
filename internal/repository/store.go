package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"podkeep/internal/domain"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint. Callers treat it as "already present", not as a failure.
	ErrDuplicate = errors.New("already exists")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreatePodcast inserts a new podcast and assigns its ID. A (parser, url)
// collision returns ErrDuplicate.
func (s *Store) CreatePodcast(ctx context.Context, p *domain.Podcast) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO podcasts
(parser, url, title, author, image_url, image, language, subtitle, summary, link, update_failed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Parser, p.URL, p.Title, p.Author, p.ImageURL, p.Image, p.Language,
		p.Subtitle, p.Summary, p.Link, p.UpdateFailed)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *Store) GetPodcast(ctx context.Context, parser, url string) (domain.Podcast, error) {
	row := s.db.QueryRowContext(ctx, selectPodcast+" WHERE parser = ? AND url = ?", parser, url)
	return scanPodcast(row)
}

func (s *Store) GetPodcastByID(ctx context.Context, id int64) (domain.Podcast, error) {
	row := s.db.QueryRowContext(ctx, selectPodcast+" WHERE id = ?", id)
	return scanPodcast(row)
}

// GetPodcastByTitle matches by exact title equality; used by the file
// matching engine, which deliberately does not fall back to fuzzy podcast
// lookup.
func (s *Store) GetPodcastByTitle(ctx context.Context, title string) (domain.Podcast, error) {
	row := s.db.QueryRowContext(ctx, selectPodcast+" WHERE title = ?", title)
	return scanPodcast(row)
}

func (s *Store) ListPodcasts(ctx context.Context) ([]domain.Podcast, error) {
	rows, err := s.db.QueryContext(ctx, selectPodcast+" ORDER BY LOWER(title)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	podcasts := make([]domain.Podcast, 0, 16)
	for rows.Next() {
		p, err := scanPodcast(rows)
		if err != nil {
			return nil, err
		}
		podcasts = append(podcasts, p)
	}
	return podcasts, rows.Err()
}

// DeletePodcast removes the podcast row; episodes and their actions cascade.
// Recording the sync tombstone is the caller's responsibility.
func (s *Store) DeletePodcast(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM podcasts WHERE id = ?", id)
	return err
}

func (s *Store) SetUpdateFailed(ctx context.Context, id int64, failed bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE podcasts SET update_failed = ? WHERE id = ?", failed, id)
	return err
}

func (s *Store) SetPodcastImage(ctx context.Context, id int64, image []byte) error {
	_, err := s.db.ExecContext(ctx, "UPDATE podcasts SET image = ? WHERE id = ?", image, id)
	return err
}

// MergeFeed persists freshly parsed podcast fields and inserts the parsed
// episodes inside a single transaction. Episodes colliding with an existing
// row on either uniqueness path are skipped without consuming a track
// number; track numbers are assigned to genuinely new episodes in encounter
// order. Returns the number of episodes added.
func (s *Store) MergeFeed(ctx context.Context, p *domain.Podcast, episodes []domain.Episode) (int, error) {
	added := 0
	err := s.withRetry(ctx, func() error {
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

		if _, err := tx.ExecContext(ctx, `UPDATE podcasts SET
title = ?, author = ?, image_url = ?, image = ?, language = ?,
subtitle = ?, summary = ?, link = ?, update_failed = 0
WHERE id = ?`,
			p.Title, p.Author, p.ImageURL, p.Image, p.Language,
			p.Subtitle, p.Summary, p.Link, p.ID); err != nil {
			return err
		}

		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(track_number) FROM episodes WHERE podcast_id = ?", p.ID).Scan(&max); err != nil {
			return err
		}
		next := int(max.Int64) + 1

		added = 0
		for i := range episodes {
			ep := episodes[i]
			ep.PodcastID = p.ID
			ep.TrackNumber = next
			_, err := tx.ExecContext(ctx, `INSERT INTO episodes
(podcast_id, guid, pubdate, title, duration, image_url, subtitle, summary, link,
 track_number, file_url, file_size, mimetype, new, played, progress)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0)`,
				ep.PodcastID, nullString(ep.GUID), formatTime(ep.Pubdate), ep.Title,
				ep.Duration, ep.ImageURL, ep.Subtitle, ep.Summary, ep.Link,
				ep.TrackNumber, ep.FileURL, ep.FileSize, ep.Mimetype)
			if err != nil {
				if isUniqueViolation(err) {
					// Already in the library; keep the track number for
					// the next genuinely new episode.
					continue
				}
				return err
			}
			next++
			added++
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.UpdateFailed = false
	return added, nil
}

func (s *Store) GetEpisode(ctx context.Context, id int64) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, selectEpisode+" WHERE id = ?", id)
	return scanEpisode(row)
}

func (s *Store) GetEpisodeByGUID(ctx context.Context, podcastID int64, guid string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, selectEpisode+" WHERE podcast_id = ? AND guid = ?", podcastID, guid)
	return scanEpisode(row)
}

func (s *Store) GetEpisodeByTitlePubdate(ctx context.Context, podcastID int64, title string, pubdate *time.Time) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		selectEpisode+" WHERE podcast_id = ? AND title = ? AND pubdate IS ?",
		podcastID, title, formatTime(pubdate))
	return scanEpisode(row)
}

func (s *Store) GetEpisodeByFileURL(ctx context.Context, fileURL string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, selectEpisode+" WHERE file_url = ?", fileURL)
	return scanEpisode(row)
}

// ListEpisodes returns a podcast's episodes, most recent publication first,
// undated episodes last.
func (s *Store) ListEpisodes(ctx context.Context, podcastID int64) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectEpisode+` WHERE podcast_id = ?
ORDER BY
    CASE WHEN pubdate IS NULL THEN 1 ELSE 0 END,
    pubdate DESC,
    track_number DESC`, podcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// UnclaimedEpisodes returns the podcast's episodes that have no local file
// yet; these are the candidates for file matching.
func (s *Store) UnclaimedEpisodes(ctx context.Context, podcastID int64) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEpisode+" WHERE podcast_id = ? AND local_path IS NULL", podcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func (s *Store) SetLocalPath(ctx context.Context, episodeID int64, path string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE episodes SET local_path = ? WHERE id = ?",
		nullString(path), episodeID)
	return err
}

// FinishDownload persists the downloaded file path and appends the download
// action to the outbox in one transaction.
func (s *Store) FinishDownload(ctx context.Context, episodeID int64, path string) error {
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

		if _, err := tx.ExecContext(ctx,
			"UPDATE episodes SET local_path = ? WHERE id = ?", path, episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO episode_actions
(episode_id, action, timestamp) VALUES (?, ?, ?)`,
			episodeID, domain.ActionDownload, formatNow()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

func (s *Store) MarkEpisodePlayed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE episodes SET played = 1, new = 0 WHERE id = ?", id)
	return err
}

func (s *Store) MarkEpisodeUnplayed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE episodes SET played = 0 WHERE id = ?", id)
	return err
}

func (s *Store) SetEpisodeProgress(ctx context.Context, id int64, progress int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE episodes SET progress = ? WHERE id = ?", progress, id)
	return err
}

// ClearNewFlags clears the new flag on every episode; run at the end of each
// application session.
func (s *Store) ClearNewFlags(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE episodes SET new = 0 WHERE new = 1")
	return err
}

func (s *Store) Counts(ctx context.Context) (domain.Counts, error) {
	var c domain.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
COALESCE(SUM(new), 0), COALESCE(SUM(played), 0), COUNT(*) FROM episodes`).
		Scan(&c.New, &c.Played, &c.Total)
	return c, err
}

func (s *Store) PodcastCounts(ctx context.Context, podcastID int64) (domain.Counts, error) {
	var c domain.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
COALESCE(SUM(new), 0), COALESCE(SUM(played), 0), COUNT(*) FROM episodes WHERE podcast_id = ?`,
		podcastID).Scan(&c.New, &c.Played, &c.Total)
	return c, err
}

const selectPodcast = `SELECT id, parser, url, title, author, image_url, image,
language, subtitle, summary, link, update_failed FROM podcasts`

const selectEpisode = `SELECT id, podcast_id, guid, pubdate, title, duration,
image_url, subtitle, summary, link, track_number, file_url, file_size,
mimetype, local_path, new, played, progress FROM episodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPodcast(row rowScanner) (domain.Podcast, error) {
	var p domain.Podcast
	err := row.Scan(&p.ID, &p.Parser, &p.URL, &p.Title, &p.Author, &p.ImageURL,
		&p.Image, &p.Language, &p.Subtitle, &p.Summary, &p.Link, &p.UpdateFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Podcast{}, ErrNotFound
		}
		return domain.Podcast{}, err
	}
	return p, nil
}

func scanEpisode(row rowScanner) (domain.Episode, error) {
	var e domain.Episode
	var guid, pubdate, localPath sql.NullString
	err := row.Scan(&e.ID, &e.PodcastID, &guid, &pubdate, &e.Title, &e.Duration,
		&e.ImageURL, &e.Subtitle, &e.Summary, &e.Link, &e.TrackNumber,
		&e.FileURL, &e.FileSize, &e.Mimetype, &localPath, &e.New, &e.Played, &e.Progress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Episode{}, ErrNotFound
		}
		return domain.Episode{}, err
	}
	e.GUID = guid.String
	e.LocalPath = localPath.String
	if pubdate.Valid {
		if t, err := parseTime(pubdate.String); err == nil {
			e.Pubdate = &t
		}
	}
	return e, nil
}

func collectEpisodes(rows *sql.Rows) ([]domain.Episode, error) {
	episodes := make([]domain.Episode, 0, 32)
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		backoff := 50 * time.Millisecond * time.Duration(1<<i)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
	}
	return err
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
