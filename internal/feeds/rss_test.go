package feeds_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"podkeep/internal/feeds"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Test Show</title>
    <link>https://example.com/show</link>
    <description>A show about tests.</description>
    <language>en</language>
    <itunes:author>Jo Host</itunes:author>
    <itunes:subtitle>Short and testy</itunes:subtitle>
    <itunes:image href="https://example.com/cover.png"/>
    <item>
      <title>Episode One</title>
      <guid>tag:example.com,2024:ep1</guid>
      <link>https://example.com/show/1</link>
      <description>The first one.</description>
      <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
      <itunes:duration>1:02:03</itunes:duration>
      <enclosure url="https://example.com/audio/1.mp3" length="12345678" type="audio/mpeg"/>
    </item>
    <item>
      <title>Episode Two</title>
      <description>No guid, no enclosure.</description>
      <itunes:duration>95</itunes:duration>
    </item>
  </channel>
</rss>`

func TestRSSParserParsesFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	parser := feeds.NewRSSParser(server.Client(), "podkeep/test")
	fields, episodes, err := parser.Parse(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if fields.Title != "Test Show" {
		t.Errorf("title = %q, want Test Show", fields.Title)
	}
	if fields.Author != "Jo Host" {
		t.Errorf("author = %q, want Jo Host", fields.Author)
	}
	if fields.Subtitle != "Short and testy" {
		t.Errorf("subtitle = %q", fields.Subtitle)
	}
	if fields.ImageURL != "https://example.com/cover.png" {
		t.Errorf("image url = %q", fields.ImageURL)
	}
	if fields.Language != "en" {
		t.Errorf("language = %q, want en", fields.Language)
	}

	if len(episodes) != 2 {
		t.Fatalf("expected 2 episodes, got %d", len(episodes))
	}

	one := episodes[0]
	if one.GUID != "tag:example.com,2024:ep1" {
		t.Errorf("guid = %q", one.GUID)
	}
	if one.Duration != 3723 {
		t.Errorf("duration = %d, want 3723", one.Duration)
	}
	if one.FileURL != "https://example.com/audio/1.mp3" || one.Mimetype != "audio/mpeg" {
		t.Errorf("enclosure = %q (%q)", one.FileURL, one.Mimetype)
	}
	if one.FileSize != 12345678 {
		t.Errorf("file size = %d", one.FileSize)
	}
	wantDate := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if one.Pubdate == nil || !one.Pubdate.Equal(wantDate) {
		t.Errorf("pubdate = %v, want %v", one.Pubdate, wantDate)
	}

	two := episodes[1]
	if two.GUID != "" || two.FileURL != "" {
		t.Errorf("episode two should have no guid and no enclosure, got %q / %q", two.GUID, two.FileURL)
	}
	if two.Duration != 95 {
		t.Errorf("duration = %d, want 95", two.Duration)
	}
	if two.Pubdate != nil {
		t.Errorf("pubdate = %v, want none", two.Pubdate)
	}
}

func TestRSSParserRejectsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	parser := feeds.NewRSSParser(server.Client(), "")
	if _, _, err := parser.Parse(context.Background(), server.URL); err == nil {
		t.Fatal("expected an error for a failing feed")
	}
}

func TestRegistry(t *testing.T) {
	registry := feeds.NewRegistry()
	parser := feeds.NewRSSParser(nil, "")
	registry.Register("feed", parser)

	if _, err := registry.Get("feed"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := registry.Get("nope"); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}
