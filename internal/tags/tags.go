// Package tags defines the audio tag codec contract. Reading recovers the
// metadata the library wrote when it downloaded a file; writing stamps a
// downloaded or imported file so it can be matched again later.
package tags

import (
	"log"
	"time"

	"podkeep/internal/domain"
)

// FileTags is the metadata read from an audio file. Absent fields are zero
// values.
type FileTags struct {
	PodcastTitle string
	EpisodeTitle string
	GUID         string
	Pubdate      *time.Time
	Image        []byte
}

// Codec reads and writes audio file metadata.
type Codec interface {
	// Read returns the tags of the file, or an error if the file cannot
	// be read as a tagged audio file at all.
	Read(path string) (FileTags, error)
	// Write stamps the file with the episode's metadata. Best effort;
	// implementations log and return nil for formats they cannot tag.
	Write(path string, podcast domain.Podcast, episode domain.Episode) error
}

// Noop is a codec for formats without tag support; Read finds nothing and
// Write only logs.
type Noop struct{}

func (Noop) Read(path string) (FileTags, error) {
	return FileTags{}, nil
}

func (Noop) Write(path string, podcast domain.Podcast, episode domain.Episode) error {
	log.Printf("tags: unsupported format, not tagging %s", path)
	return nil
}
