package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"podkeep/internal/domain"
)

// RSSParser implements the feed parser kind over RSS and Atom feeds.
type RSSParser struct {
	client    *http.Client
	userAgent string
}

func NewRSSParser(client *http.Client, userAgent string) *RSSParser {
	if client == nil {
		client = http.DefaultClient
	}
	return &RSSParser{client: client, userAgent: userAgent}
}

func (p *RSSParser) Parse(ctx context.Context, url string) (domain.PodcastFields, []domain.Episode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PodcastFields{}, nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.PodcastFields{}, nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PodcastFields{}, nil, fmt.Errorf("fetch feed failed: %s", resp.Status)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return domain.PodcastFields{}, nil, fmt.Errorf("parse feed: %w", err)
	}

	fields := domain.PodcastFields{
		Title:    strings.TrimSpace(feed.Title),
		Language: strings.TrimSpace(feed.Language),
		Summary:  strings.TrimSpace(feed.Description),
		Link:     strings.TrimSpace(feed.Link),
	}
	if feed.Image != nil {
		fields.ImageURL = feed.Image.URL
	}
	if feed.ITunesExt != nil {
		fields.Author = strings.TrimSpace(feed.ITunesExt.Author)
		fields.Subtitle = strings.TrimSpace(feed.ITunesExt.Subtitle)
		if fields.ImageURL == "" {
			fields.ImageURL = feed.ITunesExt.Image
		}
	}
	if fields.Author == "" && feed.Author != nil {
		fields.Author = strings.TrimSpace(feed.Author.Name)
	}

	episodes := make([]domain.Episode, 0, len(feed.Items))
	for _, item := range feed.Items {
		episodes = append(episodes, episodeFromItem(item))
	}
	return fields, episodes, nil
}

func episodeFromItem(item *gofeed.Item) domain.Episode {
	ep := domain.Episode{
		GUID:    strings.TrimSpace(item.GUID),
		Title:   strings.TrimSpace(item.Title),
		Summary: strings.TrimSpace(item.Description),
		Link:    strings.TrimSpace(item.Link),
	}
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		ep.Pubdate = &t
	}
	if item.Image != nil {
		ep.ImageURL = item.Image.URL
	}
	if item.ITunesExt != nil {
		ep.Subtitle = strings.TrimSpace(item.ITunesExt.Subtitle)
		ep.Duration = parseDuration(item.ITunesExt.Duration)
		if ep.ImageURL == "" {
			ep.ImageURL = item.ITunesExt.Image
		}
	}
	if len(item.Enclosures) > 0 {
		enc := item.Enclosures[0]
		ep.FileURL = strings.TrimSpace(enc.URL)
		ep.Mimetype = enc.Type
		if size, err := strconv.ParseInt(enc.Length, 10, 64); err == nil {
			ep.FileSize = size
		}
	}
	return ep
}

// parseDuration accepts the itunes:duration formats: plain seconds, MM:SS
// or HH:MM:SS. Returns 0 when the value is absent or unparseable.
func parseDuration(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0
	}
	seconds := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0
		}
		seconds = seconds*60 + n
	}
	return seconds
}
