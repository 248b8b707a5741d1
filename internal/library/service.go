// Package library implements the podcast update pipeline: feed parsing into
// the store, track number assignment, and the episode state transitions
// exposed to the frontend.
package library

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"podkeep/internal/domain"
	"podkeep/internal/feeds"
	"podkeep/internal/images"
	"podkeep/internal/repository"
)

type Service struct {
	store   *repository.Store
	parsers *feeds.Registry
	images  images.Fetcher

	// Concurrent updates of the same podcast would race on the max track
	// number read; updates are serialized per podcast.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewService(store *repository.Store, parsers *feeds.Registry, imageFetcher images.Fetcher) *Service {
	return &Service{
		store:   store,
		parsers: parsers,
		images:  imageFetcher,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// AddPodcast subscribes to a new source. Idempotent: adding an existing
// (parser, url) pair returns the existing podcast. Feed-kind podcasts also
// record an add action for subscription sync; other kinds are local-only.
func (s *Service) AddPodcast(ctx context.Context, parser, url string) (domain.Podcast, error) {
	if _, err := s.parsers.Get(parser); err != nil {
		return domain.Podcast{}, err
	}
	log.Printf("library: adding the %s podcast %s", parser, url)

	podcast := domain.Podcast{Parser: parser, URL: url}
	err := s.store.CreatePodcast(ctx, &podcast)
	if errors.Is(err, repository.ErrDuplicate) {
		log.Printf("library: the %s podcast %s is already in the library", parser, url)
		return s.store.GetPodcast(ctx, parser, url)
	}
	if err != nil {
		return domain.Podcast{}, err
	}

	if parser == domain.ParserFeed {
		if err := s.store.UpsertPodcastAction(ctx, url, domain.ActionAdd); err != nil {
			return domain.Podcast{}, err
		}
	}
	return podcast, nil
}

// DeletePodcast records the removal for subscription sync, then deletes the
// podcast and, by cascade, its episodes and pending episode actions.
func (s *Service) DeletePodcast(ctx context.Context, podcast domain.Podcast) error {
	if err := s.store.UpsertPodcastAction(ctx, podcast.URL, domain.ActionRemove); err != nil {
		return err
	}
	return s.store.DeletePodcast(ctx, podcast.ID)
}

// UpdatePodcast re-parses the podcast's feed and merges the result into the
// store. On failure only the update_failed flag is persisted; episodes
// committed by earlier updates are untouched.
func (s *Service) UpdatePodcast(ctx context.Context, podcast *domain.Podcast) error {
	unlock := s.lockPodcast(podcast.ID)
	defer unlock()

	log.Printf("library: updating the podcast %s", podcast.DisplayTitle())

	if err := s.updatePodcast(ctx, podcast); err != nil {
		log.Printf("library: unable to update %s: %v", podcast.DisplayTitle(), err)
		podcast.UpdateFailed = true
		if ferr := s.store.SetUpdateFailed(ctx, podcast.ID, true); ferr != nil {
			log.Printf("library: unable to record update failure for %s: %v",
				podcast.DisplayTitle(), ferr)
		}
		return err
	}
	return nil
}

func (s *Service) updatePodcast(ctx context.Context, podcast *domain.Podcast) error {
	parser, err := s.parsers.Get(podcast.Parser)
	if err != nil {
		return err
	}

	fields, episodes, err := parser.Parse(ctx, podcast.URL)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	imageChanged := fields.ImageURL != "" && fields.ImageURL != podcast.ImageURL

	podcast.Title = fields.Title
	podcast.Author = fields.Author
	podcast.ImageURL = fields.ImageURL
	podcast.Language = fields.Language
	podcast.Subtitle = fields.Subtitle
	podcast.Summary = fields.Summary
	podcast.Link = fields.Link

	if imageChanged {
		data, err := s.images.Fetch(ctx, fields.ImageURL)
		if err != nil {
			// A stale image is not worth failing the update over.
			log.Printf("library: unable to download image for %s: %v",
				podcast.DisplayTitle(), err)
		} else {
			podcast.Image = data
		}
	}

	added, err := s.store.MergeFeed(ctx, podcast, episodes)
	if err != nil {
		return fmt.Errorf("merge feed: %w", err)
	}
	if added > 0 {
		log.Printf("library: %d new episodes for %s", added, podcast.DisplayTitle())
	}
	return nil
}

// UpdateAll updates every podcast in the library. A failing podcast is
// marked and skipped; the loop always finishes.
func (s *Service) UpdateAll(ctx context.Context) error {
	podcasts, err := s.store.ListPodcasts(ctx)
	if err != nil {
		return err
	}
	for i := range podcasts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Errors are recorded on the podcast row by UpdatePodcast.
		_ = s.UpdatePodcast(ctx, &podcasts[i])
	}
	return nil
}

// MarkPlayed marks the episode played and queues the corresponding play
// action for sync.
func (s *Service) MarkPlayed(ctx context.Context, episode domain.Episode) error {
	if err := s.store.MarkEpisodePlayed(ctx, episode.ID); err != nil {
		return err
	}
	return s.store.AddEpisodeAction(ctx, &domain.EpisodeAction{
		EpisodeID: episode.ID,
		Action:    domain.ActionPlay,
		Started:   0,
		Position:  episode.Duration,
		Total:     episode.Duration,
	})
}

// MarkUnplayed clears the played flag and queues a new action, which resets
// the played state on other devices too.
func (s *Service) MarkUnplayed(ctx context.Context, episode domain.Episode) error {
	if err := s.store.MarkEpisodeUnplayed(ctx, episode.ID); err != nil {
		return err
	}
	return s.store.AddEpisodeAction(ctx, &domain.EpisodeAction{
		EpisodeID: episode.ID,
		Action:    domain.ActionNew,
	})
}

// ResetProgress rewinds the episode to the beginning.
func (s *Service) ResetProgress(ctx context.Context, episode domain.Episode) error {
	if err := s.store.SetEpisodeProgress(ctx, episode.ID, 0); err != nil {
		return err
	}
	return s.store.AddEpisodeAction(ctx, &domain.EpisodeAction{
		EpisodeID: episode.ID,
		Action:    domain.ActionPlay,
		Started:   0,
		Position:  0,
		Total:     episode.Duration,
	})
}

// ClearNew clears the new flag on all episodes; called once at the end of
// every session.
func (s *Service) ClearNew(ctx context.Context) error {
	return s.store.ClearNewFlags(ctx)
}

func (s *Service) Counts(ctx context.Context) (domain.Counts, error) {
	return s.store.Counts(ctx)
}

func (s *Service) PodcastCounts(ctx context.Context, podcastID int64) (domain.Counts, error) {
	return s.store.PodcastCounts(ctx, podcastID)
}

func (s *Service) lockPodcast(id int64) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
