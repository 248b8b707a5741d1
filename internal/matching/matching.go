// Package matching maps audio files on disk back to library episodes, for
// directory-scan recovery and manual imports. The policy is strict metadata
// equality first, then loose title matching, and abstaining whenever more
// than one episode could be meant: claiming the wrong episode is worse than
// leaving a file unclaimed.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"podkeep/internal/domain"
	"podkeep/internal/files"
	"podkeep/internal/repository"
	"podkeep/internal/tags"
)

var (
	// ErrNoMatch means no episode could be identified for the file.
	ErrNoMatch = errors.New("no matching episode")
	// ErrAmbiguous means more than one episode matched loosely; the file
	// stays unclaimed rather than guessed at.
	ErrAmbiguous = errors.New("ambiguous match")
)

type Engine struct {
	store *repository.Store
	codec tags.Codec
	root  string
}

func NewEngine(store *repository.Store, codec tags.Codec, libraryRoot string) *Engine {
	return &Engine{store: store, codec: codec, root: libraryRoot}
}

// GetMatching returns the episode a file belongs to, without mutating
// anything. The second return value is true when the match was loose, i.e.
// the caller should move and re-tag the file via ImportFile.
func (e *Engine) GetMatching(ctx context.Context, path string) (domain.Episode, bool, error) {
	log.Printf("matching: searching for an episode matching %s", path)

	fileTags, err := e.codec.Read(path)
	if err != nil {
		log.Printf("matching: unable to read tags of %s: %v", path, err)
		return domain.Episode{}, false, ErrNoMatch
	}
	if fileTags.PodcastTitle == "" {
		return domain.Episode{}, false, ErrNoMatch
	}

	podcast, err := e.store.GetPodcastByTitle(ctx, fileTags.PodcastTitle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("matching: no podcast with title %q", fileTags.PodcastTitle)
			return domain.Episode{}, false, ErrNoMatch
		}
		return domain.Episode{}, false, err
	}

	candidates, err := e.store.UnclaimedEpisodes(ctx, podcast.ID)
	if err != nil {
		return domain.Episode{}, false, err
	}

	if episode, ok := strictMatch(candidates, fileTags); ok {
		return episode, false, nil
	}

	filename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	episode, err := looseMatch(candidates, fileTags.EpisodeTitle, filename)
	if err != nil {
		return domain.Episode{}, false, err
	}
	return episode, true, nil
}

// ImportFile moves a loosely matched file to its canonical location, re-tags
// it and persists the episode's local path.
func (e *Engine) ImportFile(ctx context.Context, podcast domain.Podcast, episode domain.Episode, path string) (string, error) {
	ext := filepath.Ext(path)
	target := files.EpisodePath(e.root, podcast.Title, episode, ext)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("move file: %w", err)
	}
	if err := e.codec.Write(target, podcast, episode); err != nil {
		log.Printf("matching: unable to tag %s: %v", target, err)
	}
	if err := e.store.SetLocalPath(ctx, episode.ID, target); err != nil {
		return "", err
	}
	return target, nil
}

// strictMatch looks for the episode with the same guid, or the same title
// and publication date, meaning the file was almost certainly tagged by
// this application.
func strictMatch(candidates []domain.Episode, fileTags tags.FileTags) (domain.Episode, bool) {
	var found []domain.Episode
	for _, ep := range candidates {
		if fileTags.GUID != "" && ep.GUID == fileTags.GUID {
			found = append(found, ep)
			continue
		}
		if fileTags.Pubdate != nil && ep.Pubdate != nil &&
			ep.Pubdate.Equal(*fileTags.Pubdate) && ep.Title == fileTags.EpisodeTitle {
			found = append(found, ep)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return domain.Episode{}, false
}

func looseMatch(candidates []domain.Episode, title, filename string) (domain.Episode, error) {
	// Exact title equality first.
	if title != "" {
		var found []domain.Episode
		for _, ep := range candidates {
			if ep.Title == title {
				found = append(found, ep)
			}
		}
		if len(found) == 1 {
			return found[0], nil
		}
		if len(found) > 1 {
			log.Printf("matching: %d episodes with title %q, not guessing", len(found), title)
			return domain.Episode{}, ErrAmbiguous
		}
	}

	// Slugified title or filename equality.
	slugTitle := Slugify(title)
	slugFilename := Slugify(filename)
	var found []domain.Episode
	for _, ep := range candidates {
		slug := Slugify(ep.Title)
		if slug == "" {
			continue
		}
		if slug == slugTitle || slug == slugFilename {
			found = append(found, ep)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	if len(found) > 1 {
		log.Printf("matching: %d episodes with title similar to %q or %q, not guessing",
			len(found), title, filename)
		return domain.Episode{}, ErrAmbiguous
	}

	log.Printf("matching: no match for title %q or filename %q", title, filename)
	return domain.Episode{}, ErrNoMatch
}

// Slugify reduces a string to its lowercase ASCII alphanumerics, the
// normal form used for loose title and filename comparison.
func Slugify(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
