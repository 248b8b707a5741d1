package domain

import "time"

// Parser kinds. Only feed-kind podcasts take part in subscription
// synchronization.
const (
	ParserFeed = "feed"
)

// Episode action types.
const (
	ActionDownload = "download"
	ActionDelete   = "delete"
	ActionPlay     = "play"
	ActionNew      = "new"
)

// Podcast action types.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Podcast is a subscribed source. Identity is the (Parser, URL) pair;
// everything else is overwritten from the feed on every update.
type Podcast struct {
	ID           int64
	Parser       string
	URL          string
	Title        string
	Author       string
	ImageURL     string
	Image        []byte
	Language     string
	Subtitle     string
	Summary      string
	Link         string
	UpdateFailed bool
}

// DisplayTitle returns the title, falling back to the URL for feeds that
// never provided one.
func (p Podcast) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	return p.URL
}

// DisplaySubtitle returns the subtitle, or the summary if there is none.
func (p Podcast) DisplaySubtitle() string {
	if p.Subtitle != "" {
		return p.Subtitle
	}
	return p.Summary
}

// DisplaySummary returns the summary, or the subtitle if there is none.
func (p Podcast) DisplaySummary() string {
	if p.Summary != "" {
		return p.Summary
	}
	return p.Subtitle
}

// Episode belongs to exactly one podcast. Identity within a podcast is the
// guid when present, or the (title, pubdate) pair.
type Episode struct {
	ID        int64
	PodcastID int64

	GUID     string
	Pubdate  *time.Time
	Title    string
	Duration int
	ImageURL string
	Subtitle string
	Summary  string
	Link     string

	// TrackNumber is assigned once, when the episode is first inserted,
	// and never changes afterwards.
	TrackNumber int

	FileURL  string
	FileSize int64
	Mimetype string

	// LocalPath is empty until the episode file has been downloaded or
	// imported. An episode is downloaded iff LocalPath is set; the flag is
	// never stored separately.
	LocalPath string

	New      bool
	Played   bool
	Progress int
}

// Downloaded reports whether the episode has a local file.
func (e Episode) Downloaded() bool {
	return e.LocalPath != ""
}

// EpisodeAction is one row of the episode sync outbox. Started, Position and
// Total are only meaningful for play actions.
type EpisodeAction struct {
	ID        int64
	EpisodeID int64
	Action    string
	Timestamp time.Time
	Started   int
	Position  int
	Total     int
}

// PodcastAction is one row of the subscription sync outbox, keyed by podcast
// URL; a later action on the same URL replaces the earlier one.
type PodcastAction struct {
	PodcastURL string
	Action     string
}

// PodcastFields carries the mutable podcast metadata returned by a feed
// parser. Identity fields are deliberately absent.
type PodcastFields struct {
	Title    string
	Author   string
	ImageURL string
	Language string
	Subtitle string
	Summary  string
	Link     string
}

// Counts aggregates episode statistics.
type Counts struct {
	New    int
	Played int
	Total  int
}
