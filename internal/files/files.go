// Package files holds the path and filename helpers shared by the download
// pool and the file matching engine.
package files

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"podkeep/internal/domain"
)

var invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9._ -]+`)

var extensionByMimetype = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/aac":   ".aac",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/flac":  ".flac",
	"audio/x-wav": ".wav",
	"audio/wav":   ".wav",
}

// GuessExtension maps a mimetype to a file extension, defaulting to .mp3.
func GuessExtension(mimetype string) string {
	mimetype = strings.TrimSpace(strings.ToLower(mimetype))
	if i := strings.Index(mimetype, ";"); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	if ext, ok := extensionByMimetype[mimetype]; ok {
		return ext
	}
	return ".mp3"
}

// Sanitize strips characters that are unsafe in filenames and bounds the
// length.
func Sanitize(value string) string {
	value = strings.TrimSpace(value)
	cleaned := invalidPathChars.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._- ")
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}

// PodcastDir returns the directory holding a podcast's audio files.
func PodcastDir(root, podcastTitle string) string {
	name := Sanitize(podcastTitle)
	if name == "" {
		name = "podcast"
	}
	return filepath.Join(root, name)
}

// EpisodePath returns the canonical location for an episode's audio file,
// "<root>/<podcast>/<pubdate> - <title><ext>".
func EpisodePath(root, podcastTitle string, ep domain.Episode, ext string) string {
	name := Sanitize(ep.Title)
	if name == "" {
		name = fmt.Sprintf("episode %d", ep.TrackNumber)
	}
	if ep.Pubdate != nil {
		name = fmt.Sprintf("%s - %s", ep.Pubdate.Format("2006.01.02"), name)
	}
	return filepath.Join(PodcastDir(root, podcastTitle), name+ext)
}
