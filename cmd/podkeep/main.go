package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"podkeep/internal/app"
	"podkeep/internal/config"
	"podkeep/internal/domain"
	"podkeep/internal/downloads"
	"podkeep/internal/logging"
	"podkeep/internal/matching"
	"podkeep/internal/repository"
	"podkeep/internal/storage"
)

const usage = `usage: podkeep <command> [arguments]

commands:
  add <url>           subscribe to a feed and fetch its episodes
  remove <podcast>    unsubscribe from a podcast (by title or url)
  list                list podcasts with episode counts
  update [podcast]    update one podcast, or all of them
  download <podcast>  download all missing episodes of a podcast
  match <file>        assign an audio file to its episode
  sync                synchronize subscriptions and episode states
  push                push pending episode actions without pulling
  resync              rewind the sync cursors to the epoch
  counts              print library-wide episode counts
  setting <key> [value]
                      read or write a library setting
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to resolve home directory: %v", err)
	}

	baseDir := filepath.Join(home, ".podkeep")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		log.Fatalf("failed to create config directory: %v", err)
	}

	logging.Configure(filepath.Join(baseDir, "podkeep.log"))

	cfg, err := config.Ensure(ctx, filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := storage.Open(filepath.Join(baseDir, "library.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	application, err := app.New(cfg, db)
	if err != nil {
		db.Close()
		log.Fatalf("failed to initialize: %v", err)
	}
	defer application.Close()

	if err := run(ctx, application, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, command string, args []string) error {
	switch command {
	case "add":
		return addCommand(ctx, a, args)
	case "remove":
		return removeCommand(ctx, a, args)
	case "list":
		return listCommand(ctx, a)
	case "update":
		return updateCommand(ctx, a, args)
	case "download":
		return downloadCommand(ctx, a, args)
	case "match":
		return matchCommand(ctx, a, args)
	case "sync":
		return syncCommand(ctx, a)
	case "push":
		return a.Sync().PushEpisodeActions(ctx)
	case "resync":
		return a.Sync().ForceFullResync(ctx)
	case "counts":
		return countsCommand(ctx, a)
	case "setting":
		return settingCommand(ctx, a, args)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// findPodcast resolves a podcast by title first, then by feed url.
func findPodcast(ctx context.Context, a *app.App, key string) (domain.Podcast, error) {
	podcast, err := a.Store().GetPodcastByTitle(ctx, key)
	if err == nil {
		return podcast, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Podcast{}, err
	}
	podcast, err = a.Store().GetPodcast(ctx, domain.ParserFeed, key)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Podcast{}, fmt.Errorf("no podcast named %q", key)
	}
	return podcast, err
}

func addCommand(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: podkeep add <url>")
	}
	podcast, err := a.Library().AddPodcast(ctx, domain.ParserFeed, args[0])
	if err != nil {
		return err
	}
	if err := a.Library().UpdatePodcast(ctx, &podcast); err != nil {
		return err
	}
	fmt.Printf("Subscribed to %s.\n", podcast.DisplayTitle())
	return nil
}

func removeCommand(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: podkeep remove <podcast>")
	}
	podcast, err := findPodcast(ctx, a, args[0])
	if err != nil {
		return err
	}
	if err := a.Library().DeletePodcast(ctx, podcast); err != nil {
		return err
	}
	fmt.Printf("Unsubscribed from %s.\n", podcast.DisplayTitle())
	return nil
}

func listCommand(ctx context.Context, a *app.App) error {
	podcasts, err := a.Store().ListPodcasts(ctx)
	if err != nil {
		return err
	}
	if len(podcasts) == 0 {
		fmt.Println("No podcasts yet.")
		return nil
	}
	for _, podcast := range podcasts {
		counts, err := a.Library().PodcastCounts(ctx, podcast.ID)
		if err != nil {
			return err
		}
		marker := " "
		if podcast.UpdateFailed {
			marker = "!"
		}
		fmt.Printf("%s %-40s %3d new %4d unplayed %5d total\n",
			marker, podcast.DisplayTitle(), counts.New, counts.Total-counts.Played, counts.Total)
	}
	return nil
}

func updateCommand(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return a.Library().UpdateAll(ctx)
	}
	podcast, err := findPodcast(ctx, a, args[0])
	if err != nil {
		return err
	}
	return a.Library().UpdatePodcast(ctx, &podcast)
}

func downloadCommand(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: podkeep download <podcast>")
	}
	podcast, err := findPodcast(ctx, a, args[0])
	if err != nil {
		return err
	}
	episodes, err := a.Store().ListEpisodes(ctx, podcast.ID)
	if err != nil {
		return err
	}

	queued := 0
	for _, episode := range episodes {
		if episode.Downloaded() || episode.FileURL == "" {
			continue
		}
		if err := a.Downloads().Enqueue(podcast, episode, nil); err != nil {
			if errors.Is(err, downloads.ErrQueueFull) {
				break
			}
			return err
		}
		queued++
	}
	if queued == 0 {
		fmt.Println("Nothing to download.")
		return nil
	}

	fmt.Printf("Downloading %d episodes...\n", queued)
	return a.Downloads().Drain(ctx)
}

func matchCommand(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: podkeep match <file>")
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	episode, loose, err := a.Matcher().GetMatching(ctx, path)
	if err != nil {
		if errors.Is(err, matching.ErrNoMatch) || errors.Is(err, matching.ErrAmbiguous) {
			fmt.Printf("No episode claimed %s: %v.\n", filepath.Base(path), err)
			return nil
		}
		return err
	}

	if !loose {
		if err := a.Store().SetLocalPath(ctx, episode.ID, path); err != nil {
			return err
		}
		fmt.Printf("Matched %s to %s.\n", filepath.Base(path), episode.Title)
		return nil
	}

	podcast, err := a.Store().GetPodcastByID(ctx, episode.PodcastID)
	if err != nil {
		return err
	}
	target, err := a.Matcher().ImportFile(ctx, podcast, episode, path)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %s as %s.\n", filepath.Base(path), target)
	return nil
}

func syncCommand(ctx context.Context, a *app.App) error {
	connected, err := a.Sync().Connect(ctx)
	if err != nil {
		return err
	}
	if !connected {
		fmt.Println("Synchronization is not enabled; see the gpodder.* settings.")
		return nil
	}
	if err := a.Sync().SynchronizeSubscriptions(ctx); err != nil {
		return err
	}
	if err := a.Library().UpdateAll(ctx); err != nil {
		return err
	}
	return a.Sync().SynchronizeEpisodeActions(ctx)
}

func countsCommand(ctx context.Context, a *app.App) error {
	counts, err := a.Library().Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d new, %d unplayed, %d episodes total.\n",
		counts.New, counts.Total-counts.Played, counts.Total)
	return nil
}

func settingCommand(ctx context.Context, a *app.App, args []string) error {
	switch len(args) {
	case 1:
		var value any
		if err := a.Store().GetSetting(ctx, args[0], &value); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("unknown setting: %s", args[0])
			}
			return err
		}
		fmt.Printf("%v\n", value)
		return nil
	case 2:
		return a.Store().SetSetting(ctx, args[0], parseSettingValue(args[1]))
	default:
		return errors.New("usage: podkeep setting <key> [value]")
	}
}

// parseSettingValue keeps booleans and integers typed; everything else is a
// string.
func parseSettingValue(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	var i int
	if _, err := fmt.Sscanf(raw, "%d", &i); err == nil && fmt.Sprintf("%d", i) == raw {
		return i
	}
	return raw
}
