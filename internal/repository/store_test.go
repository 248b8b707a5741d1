package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"podkeep/internal/domain"
	"podkeep/internal/repository"
	"podkeep/internal/storage"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return repository.New(db)
}

func addTestPodcast(t *testing.T, store *repository.Store, url string) domain.Podcast {
	t.Helper()

	podcast := domain.Podcast{Parser: domain.ParserFeed, URL: url, Title: "Test Podcast"}
	if err := store.CreatePodcast(context.Background(), &podcast); err != nil {
		t.Fatalf("CreatePodcast: %v", err)
	}
	return podcast
}

func datePtr(value string) *time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestCreatePodcastDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := addTestPodcast(t, store, "http://example.com/feed.xml")
	if first.ID == 0 {
		t.Fatal("expected an assigned podcast id")
	}

	dup := domain.Podcast{Parser: domain.ParserFeed, URL: "http://example.com/feed.xml"}
	err := store.CreatePodcast(ctx, &dup)
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// The same URL under a different parser kind is a distinct podcast.
	other := domain.Podcast{Parser: "local", URL: "http://example.com/feed.xml"}
	if err := store.CreatePodcast(ctx, &other); err != nil {
		t.Fatalf("CreatePodcast with other parser: %v", err)
	}
}

func TestMergeFeedAssignsTrackNumbers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	episodes := []domain.Episode{
		{GUID: "guid-1", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
		{GUID: "guid-2", Title: "Two", Pubdate: datePtr("2024-01-08T00:00:00Z")},
		{GUID: "guid-3", Title: "Three", Pubdate: datePtr("2024-01-15T00:00:00Z")},
	}

	added, err := store.MergeFeed(ctx, &podcast, episodes)
	if err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	if added != 3 {
		t.Fatalf("expected 3 added episodes, got %d", added)
	}

	for i, guid := range []string{"guid-1", "guid-2", "guid-3"} {
		ep, err := store.GetEpisodeByGUID(ctx, podcast.ID, guid)
		if err != nil {
			t.Fatalf("GetEpisodeByGUID %s: %v", guid, err)
		}
		if ep.TrackNumber != i+1 {
			t.Errorf("%s track number = %d, want %d", guid, ep.TrackNumber, i+1)
		}
		if !ep.New {
			t.Errorf("%s should be flagged new", guid)
		}
	}
}

func TestMergeFeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	episodes := []domain.Episode{
		{GUID: "guid-1", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
		{GUID: "guid-2", Title: "Two", Pubdate: datePtr("2024-01-08T00:00:00Z")},
	}
	if _, err := store.MergeFeed(ctx, &podcast, episodes); err != nil {
		t.Fatalf("first MergeFeed: %v", err)
	}

	added, err := store.MergeFeed(ctx, &podcast, episodes)
	if err != nil {
		t.Fatalf("second MergeFeed: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected no added episodes on re-merge, got %d", added)
	}

	counts, err := store.PodcastCounts(ctx, podcast.ID)
	if err != nil {
		t.Fatalf("PodcastCounts: %v", err)
	}
	if counts.Total != 2 {
		t.Fatalf("expected 2 episodes after re-merge, got %d", counts.Total)
	}
}

func TestMergeFeedSkipsDuplicatesWithoutConsumingTrackNumbers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}

	// A later fetch returns the known episode first, then two new ones. The
	// duplicate must not leave a gap in the track numbering.
	added, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
		{GUID: "guid-2", Title: "Two", Pubdate: datePtr("2024-01-08T00:00:00Z")},
		{GUID: "guid-3", Title: "Three", Pubdate: datePtr("2024-01-15T00:00:00Z")},
	})
	if err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added episodes, got %d", added)
	}

	two, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-2")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID guid-2: %v", err)
	}
	three, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-3")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID guid-3: %v", err)
	}
	if two.TrackNumber != 2 || three.TrackNumber != 3 {
		t.Errorf("track numbers = %d, %d, want 2, 3", two.TrackNumber, three.TrackNumber)
	}
}

func TestMergeFeedDualIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
		{Title: "No GUID", Pubdate: datePtr("2024-01-02T00:00:00Z")},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}

	// Same title and pubdate under a new guid: caught by the second
	// uniqueness path.
	added, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-renamed", Title: "One", Pubdate: datePtr("2024-01-01T00:00:00Z")},
	})
	if err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected title+pubdate duplicate to be skipped, got %d added", added)
	}

	// Episodes without a guid still insert; the guid index ignores NULLs.
	added, err = store.MergeFeed(ctx, &podcast, []domain.Episode{
		{Title: "Also No GUID", Pubdate: datePtr("2024-01-03T00:00:00Z")},
	})
	if err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected guidless episode to insert, got %d added", added)
	}
}

func TestFinishDownloadRecordsPathAndAction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", FileURL: "http://example.com/1.mp3"},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	episode, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-1")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID: %v", err)
	}
	if episode.Downloaded() {
		t.Fatal("episode should not be downloaded yet")
	}

	if err := store.FinishDownload(ctx, episode.ID, "/library/one.mp3"); err != nil {
		t.Fatalf("FinishDownload: %v", err)
	}

	episode, err = store.GetEpisode(ctx, episode.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if !episode.Downloaded() || episode.LocalPath != "/library/one.mp3" {
		t.Fatalf("local path = %q, want /library/one.mp3", episode.LocalPath)
	}

	actions, err := store.ListEpisodeActions(ctx)
	if err != nil {
		t.Fatalf("ListEpisodeActions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 outbox action, got %d", len(actions))
	}
	if actions[0].Action != domain.ActionDownload {
		t.Errorf("action = %s, want %s", actions[0].Action, domain.ActionDownload)
	}
	if actions[0].EpisodeURL != "http://example.com/1.mp3" {
		t.Errorf("episode url = %s, want the file url", actions[0].EpisodeURL)
	}
}

func TestEpisodeStateAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One"},
		{GUID: "guid-2", Title: "Two"},
		{GUID: "guid-3", Title: "Three"},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}

	one, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-1")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID: %v", err)
	}
	if err := store.MarkEpisodePlayed(ctx, one.ID); err != nil {
		t.Fatalf("MarkEpisodePlayed: %v", err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	// Marking played also clears the new flag.
	if counts.New != 2 || counts.Played != 1 || counts.Total != 3 {
		t.Fatalf("counts = %+v, want 2 new, 1 played, 3 total", counts)
	}

	if err := store.ClearNewFlags(ctx); err != nil {
		t.Fatalf("ClearNewFlags: %v", err)
	}
	counts, err = store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.New != 0 {
		t.Fatalf("expected no new episodes after clearing, got %d", counts.New)
	}
}

func TestDeletePodcastCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One"},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	episode, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-1")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID: %v", err)
	}
	if err := store.AddEpisodeAction(ctx, &domain.EpisodeAction{
		EpisodeID: episode.ID,
		Action:    domain.ActionPlay,
	}); err != nil {
		t.Fatalf("AddEpisodeAction: %v", err)
	}

	if err := store.DeletePodcast(ctx, podcast.ID); err != nil {
		t.Fatalf("DeletePodcast: %v", err)
	}

	if _, err := store.GetEpisode(ctx, episode.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected episode to cascade away, got %v", err)
	}
	actions, err := store.ListEpisodeActions(ctx)
	if err != nil {
		t.Fatalf("ListEpisodeActions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected episode actions to cascade away, got %d", len(actions))
	}
}

func TestEpisodeActionOutboxOrderAndDeletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", FileURL: "http://example.com/1.mp3"},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}
	episode, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-1")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID: %v", err)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := domain.EpisodeAction{EpisodeID: episode.ID, Action: domain.ActionPlay, Timestamp: base.Add(time.Hour)}
	older := domain.EpisodeAction{EpisodeID: episode.ID, Action: domain.ActionDownload, Timestamp: base}
	if err := store.AddEpisodeAction(ctx, &newer); err != nil {
		t.Fatalf("AddEpisodeAction: %v", err)
	}
	if err := store.AddEpisodeAction(ctx, &older); err != nil {
		t.Fatalf("AddEpisodeAction: %v", err)
	}

	actions, err := store.ListEpisodeActions(ctx)
	if err != nil {
		t.Fatalf("ListEpisodeActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Action != domain.ActionDownload || actions[1].Action != domain.ActionPlay {
		t.Fatalf("actions not ordered oldest first: %s, %s", actions[0].Action, actions[1].Action)
	}

	if err := store.DeleteEpisodeActions(ctx, []int64{actions[0].ID, actions[1].ID}); err != nil {
		t.Fatalf("DeleteEpisodeActions: %v", err)
	}
	actions, err = store.ListEpisodeActions(ctx)
	if err != nil {
		t.Fatalf("ListEpisodeActions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected empty outbox, got %d actions", len(actions))
	}
}

func TestPodcastActionUpsertKeepsLatest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	url := "http://example.com/feed.xml"
	if err := store.UpsertPodcastAction(ctx, url, domain.ActionAdd); err != nil {
		t.Fatalf("UpsertPodcastAction: %v", err)
	}
	if err := store.UpsertPodcastAction(ctx, url, domain.ActionRemove); err != nil {
		t.Fatalf("UpsertPodcastAction: %v", err)
	}

	actions, err := store.ListPodcastActions(ctx)
	if err != nil {
		t.Fatalf("ListPodcastActions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one collapsed action, got %d", len(actions))
	}
	if actions[0].Action != domain.ActionRemove {
		t.Fatalf("action = %s, want %s", actions[0].Action, domain.ActionRemove)
	}
}

func TestApplySubscriptionChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	existing := addTestPodcast(t, store, "http://example.com/old.xml")

	err := store.ApplySubscriptionChanges(ctx,
		[]string{"http://example.com/new.xml", "http://example.com/old.xml"},
		[]string{},
		"gpodder.last_subscription_sync", "1234")
	if err != nil {
		t.Fatalf("ApplySubscriptionChanges: %v", err)
	}

	if _, err := store.GetPodcast(ctx, domain.ParserFeed, "http://example.com/new.xml"); err != nil {
		t.Fatalf("added podcast missing: %v", err)
	}

	// The already-subscribed URL must be left alone and not produce a
	// reflected add action.
	actions, err := store.ListPodcastActions(ctx)
	if err != nil {
		t.Fatalf("ListPodcastActions: %v", err)
	}
	if len(actions) != 1 || actions[0].PodcastURL != "http://example.com/new.xml" {
		t.Fatalf("expected a single add action for the new URL, got %+v", actions)
	}

	cursor, err := store.SettingString(ctx, "gpodder.last_subscription_sync")
	if err != nil {
		t.Fatalf("SettingString: %v", err)
	}
	if cursor != "1234" {
		t.Fatalf("cursor = %s, want 1234", cursor)
	}

	err = store.ApplySubscriptionChanges(ctx, nil,
		[]string{"http://example.com/old.xml"},
		"gpodder.last_subscription_sync", "1300")
	if err != nil {
		t.Fatalf("ApplySubscriptionChanges remove: %v", err)
	}
	if _, err := store.GetPodcastByID(ctx, existing.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected removed podcast to be gone, got %v", err)
	}
}

func TestApplyEpisodeStateChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	podcast := addTestPodcast(t, store, "http://example.com/feed.xml")

	if _, err := store.MergeFeed(ctx, &podcast, []domain.Episode{
		{GUID: "guid-1", Title: "One", FileURL: "http://example.com/1.mp3"},
	}); err != nil {
		t.Fatalf("MergeFeed: %v", err)
	}

	played := true
	progress := 90
	err := store.ApplyEpisodeStateChanges(ctx, []repository.EpisodeStateChange{
		{EpisodeURL: "http://example.com/1.mp3", Played: &played, Progress: &progress},
		{EpisodeURL: "http://example.com/unknown.mp3", Played: &played},
	})
	if err != nil {
		t.Fatalf("ApplyEpisodeStateChanges: %v", err)
	}

	episode, err := store.GetEpisodeByGUID(ctx, podcast.ID, "guid-1")
	if err != nil {
		t.Fatalf("GetEpisodeByGUID: %v", err)
	}
	if !episode.Played || episode.Progress != 90 {
		t.Fatalf("episode state = played %v progress %d, want played with progress 90",
			episode.Played, episode.Progress)
	}
}

func TestUpdatePodcastURLCollision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	addTestPodcast(t, store, "http://example.com/old.xml")
	canonical := addTestPodcast(t, store, "http://example.com/canonical.xml")

	if err := store.UpdatePodcastURL(ctx, "http://example.com/old.xml", "http://example.com/canonical.xml"); err != nil {
		t.Fatalf("UpdatePodcastURL: %v", err)
	}

	podcasts, err := store.ListPodcasts(ctx)
	if err != nil {
		t.Fatalf("ListPodcasts: %v", err)
	}
	if len(podcasts) != 1 {
		t.Fatalf("expected a single podcast after collapse, got %d", len(podcasts))
	}
	if podcasts[0].ID != canonical.ID {
		t.Fatalf("expected the canonical row to survive")
	}
}

func TestSettingsSeedAndGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SeedDefaults(ctx, repository.SettingDefaults()); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}

	workers, err := store.SettingInt(ctx, "downloads.workers")
	if err != nil {
		t.Fatalf("SettingInt: %v", err)
	}
	if workers != 2 {
		t.Fatalf("downloads.workers = %d, want 2", workers)
	}

	if err := store.SetSetting(ctx, "downloads.workers", 5); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	// Re-seeding never overwrites an existing value.
	if err := store.SeedDefaults(ctx, repository.SettingDefaults()); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	workers, err = store.SettingInt(ctx, "downloads.workers")
	if err != nil {
		t.Fatalf("SettingInt: %v", err)
	}
	if workers != 5 {
		t.Fatalf("downloads.workers = %d, want 5 after re-seed", workers)
	}

	group, err := store.SettingsGroup(ctx, "gpodder")
	if err != nil {
		t.Fatalf("SettingsGroup: %v", err)
	}
	if group["hostname"] != "gpodder.net" {
		t.Fatalf("gpodder.hostname = %v, want gpodder.net", group["hostname"])
	}
	if _, ok := group["synchronize"]; !ok {
		t.Fatal("expected gpodder.synchronize in group")
	}

	if _, err := store.SettingString(ctx, "no.such.key"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}
