package gpodder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"podkeep/internal/domain"
	"podkeep/internal/repository"
)

// Setting keys used by the synchronization engine.
const (
	keySynchronize          = "gpodder.synchronize"
	keyHostname             = "gpodder.hostname"
	keyUsername             = "gpodder.username"
	keyPassword             = "gpodder.password"
	keyDeviceID             = "gpodder.deviceid"
	keyDeviceName           = "gpodder.devicename"
	keyDeviceNameChanged    = "gpodder.devicename_changed"
	keyLastSubscriptionSync = "gpodder.last_subscription_sync"
	keyLastEpisodesSync     = "gpodder.last_episodes_sync"
	keySmartMarkSeconds     = "player.smart_mark_seconds"
)

// syncEpoch is the cursor value meaning "everything", used on first sync
// and after a forced full resync.
const syncEpoch = "0"

// Client reconciles the library with the remote service. It performs no
// internal locking: callers must not run two sync cycles concurrently for
// the same library.
type Client struct {
	store     *repository.Store
	dial      Dialer
	transport Transport
}

func NewClient(store *repository.Store, dial Dialer) *Client {
	return &Client{store: store, dial: dial}
}

type settings struct {
	synchronize       bool
	hostname          string
	username          string
	password          string
	deviceID          string
	deviceName        string
	deviceNameChanged bool
	lastSubscription  string
	lastEpisodes      string
}

// settings re-reads the gpodder configuration group on every call; the
// values can change mid-session and must never be cached.
func (c *Client) settings(ctx context.Context) (settings, error) {
	group, err := c.store.SettingsGroup(ctx, "gpodder")
	if err != nil {
		return settings{}, err
	}
	st := settings{
		synchronize:       boolValue(group["synchronize"]),
		hostname:          stringValue(group["hostname"]),
		username:          stringValue(group["username"]),
		password:          stringValue(group["password"]),
		deviceID:          stringValue(group["deviceid"]),
		deviceName:        stringValue(group["devicename"]),
		deviceNameChanged: boolValue(group["devicename_changed"]),
		lastSubscription:  stringValue(group["last_subscription_sync"]),
		lastEpisodes:      stringValue(group["last_episodes_sync"]),
	}
	if st.lastSubscription == "" {
		st.lastSubscription = syncEpoch
	}
	if st.lastEpisodes == "" {
		st.lastEpisodes = syncEpoch
	}
	return st, nil
}

func (c *Client) enabled(st settings, connecting bool) bool {
	return st.synchronize &&
		st.username != "" && st.password != "" && st.hostname != "" &&
		(c.transport != nil || connecting)
}

// Connect opens the remote transport and negotiates the device name.
// Returns false without error when synchronization is simply not enabled.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	st, err := c.settings(ctx)
	if err != nil {
		return false, err
	}
	if !c.enabled(st, true) {
		return false, nil
	}

	log.Printf("gpodder: connecting to %s", st.hostname)
	transport, err := c.dial(ctx, st.username, st.password, st.hostname)
	if err != nil {
		c.transport = nil
		if errors.Is(err, ErrUnauthorized) {
			log.Printf("gpodder: invalid credentials for %s", st.hostname)
			return false, err
		}
		return false, fmt.Errorf("connect to %s: %w", st.hostname, err)
	}
	c.transport = transport

	if err := c.updateDevice(ctx, st); err != nil {
		log.Printf("gpodder: unable to update device: %v", err)
	}
	return true, nil
}

// updateDevice negotiates the device name, one direction per connect: a
// local rename is pushed, otherwise the remote caption is adopted.
func (c *Client) updateDevice(ctx context.Context, st settings) error {
	if !c.enabled(st, false) {
		return nil
	}

	if st.deviceNameChanged {
		if err := c.transport.UpdateDeviceSettings(ctx, st.deviceID, st.deviceName); err != nil {
			return err
		}
		return c.store.SetSetting(ctx, keyDeviceNameChanged, false)
	}

	devices, err := c.transport.GetDevices(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if device.ID == st.deviceID {
			return c.store.SetSetting(ctx, keyDeviceName, device.Caption)
		}
	}
	return nil
}

// SynchronizeSubscriptions runs one pull-then-push subscription cycle.
// Transient failures leave the outbox and cursor untouched for the next
// cycle; only credential failures propagate.
func (c *Client) SynchronizeSubscriptions(ctx context.Context) error {
	st, err := c.settings(ctx)
	if err != nil {
		return err
	}
	if !c.enabled(st, false) {
		return nil
	}

	if err := c.pullSubscriptions(ctx, st); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		log.Printf("gpodder: unable to pull subscriptions: %v", err)
	}
	if err := c.pushSubscriptions(ctx, st); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		log.Printf("gpodder: unable to push subscriptions: %v", err)
	}
	return nil
}

func (c *Client) pullSubscriptions(ctx context.Context, st settings) error {
	log.Printf("gpodder: pulling subscription changes")

	changes, err := c.transport.PullSubscriptions(ctx, st.deviceID, st.lastSubscription)
	if err != nil {
		return err
	}

	for _, url := range changes.Remove {
		log.Printf("gpodder: removing podcast %s", url)
	}
	for _, url := range changes.Add {
		log.Printf("gpodder: adding podcast %s", url)
	}

	// Removals, additions and the new cursor land in one transaction.
	return c.store.ApplySubscriptionChanges(ctx, changes.Add, changes.Remove,
		keyLastSubscriptionSync, changes.Cursor)
}

func (c *Client) pushSubscriptions(ctx context.Context, st settings) error {
	actions, err := c.store.ListPodcastActions(ctx)
	if err != nil {
		return err
	}

	var add, remove []string
	for _, action := range actions {
		switch action.Action {
		case domain.ActionAdd:
			add = append(add, action.PodcastURL)
		case domain.ActionRemove:
			remove = append(remove, action.PodcastURL)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	log.Printf("gpodder: pushing %d added and %d removed subscriptions", len(add), len(remove))
	result, err := c.transport.UpdateSubscriptions(ctx, st.deviceID, add, remove)
	if err != nil {
		// Outbox rows stay queued for the next cycle.
		return err
	}

	for _, pair := range result.UpdateURLs {
		oldURL, newURL := pair[0], pair[1]
		if newURL == "" {
			continue
		}
		log.Printf("gpodder: updating podcast url %s to %s", oldURL, newURL)
		if err := c.store.UpdatePodcastURL(ctx, oldURL, newURL); err != nil {
			log.Printf("gpodder: unable to rewrite url %s: %v", oldURL, err)
		}
	}

	pushed := append(append([]string{}, add...), remove...)
	if err := c.store.DeletePodcastActions(ctx, pushed); err != nil {
		return err
	}

	// The push cursor supersedes the pull cursor.
	if result.Cursor != "" {
		return c.store.SetSetting(ctx, keyLastSubscriptionSync, result.Cursor)
	}
	return nil
}

// SynchronizeEpisodeActions merges remote episode actions with the pending
// local ones and pushes the outbox.
func (c *Client) SynchronizeEpisodeActions(ctx context.Context) error {
	st, err := c.settings(ctx)
	if err != nil {
		return err
	}
	if !c.enabled(st, false) {
		return nil
	}

	if err := c.pullEpisodeActions(ctx, st); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		log.Printf("gpodder: unable to pull episode actions: %v", err)
	}
	return c.PushEpisodeActions(ctx)
}

func (c *Client) pullEpisodeActions(ctx context.Context, st settings) error {
	log.Printf("gpodder: pulling episode actions")

	changes, err := c.transport.DownloadEpisodeActions(ctx, st.lastEpisodes)
	if err != nil {
		return err
	}

	local, err := c.store.ListEpisodeActions(ctx)
	if err != nil {
		return err
	}

	combined := make([]Action, 0, len(changes.Actions)+len(local))
	combined = append(combined, changes.Actions...)
	for _, action := range local {
		combined = append(combined, Action{
			PodcastURL: action.PodcastURL,
			EpisodeURL: action.EpisodeURL,
			Action:     action.Action,
			Timestamp:  action.Timestamp,
			Started:    action.Started,
			Position:   action.Position,
			Total:      action.Total,
		})
	}

	smart, err := c.store.SettingInt(ctx, keySmartMarkSeconds)
	if err != nil {
		return err
	}

	if err := c.store.ApplyEpisodeStateChanges(ctx, mergeActions(combined, smart)); err != nil {
		return err
	}
	return c.store.SetSetting(ctx, keyLastEpisodesSync, changes.Cursor)
}

// mergeActions orders the combined local and remote actions by timestamp
// and converts them to state changes: last write wins regardless of origin.
func mergeActions(actions []Action, smartMarkSeconds int) []repository.EpisodeStateChange {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})

	changes := make([]repository.EpisodeStateChange, 0, len(actions))
	for _, action := range actions {
		change, ok, err := actionStateChange(action, smartMarkSeconds)
		if err != nil {
			// One malformed action never aborts the batch.
			log.Printf("gpodder: unable to process action %+v: %v", action, err)
			continue
		}
		if ok {
			changes = append(changes, change)
		}
	}
	return changes
}

func actionStateChange(action Action, smartMarkSeconds int) (repository.EpisodeStateChange, bool, error) {
	switch action.Action {
	case domain.ActionPlay:
		if action.EpisodeURL == "" {
			return repository.EpisodeStateChange{}, false, errors.New("play action without episode url")
		}
		if action.Position+smartMarkSeconds >= action.Total {
			// Close enough to the end: the episode was finished.
			played := true
			progress := 0
			return repository.EpisodeStateChange{
				EpisodeURL: action.EpisodeURL,
				Played:     &played,
				Progress:   &progress,
			}, true, nil
		}
		progress := action.Position
		return repository.EpisodeStateChange{
			EpisodeURL: action.EpisodeURL,
			Progress:   &progress,
		}, true, nil
	case domain.ActionNew:
		if action.EpisodeURL == "" {
			return repository.EpisodeStateChange{}, false, errors.New("new action without episode url")
		}
		played := false
		return repository.EpisodeStateChange{
			EpisodeURL: action.EpisodeURL,
			Played:     &played,
		}, true, nil
	case domain.ActionDownload, domain.ActionDelete:
		// Recorded remotely, no local state to change.
		return repository.EpisodeStateChange{}, false, nil
	default:
		return repository.EpisodeStateChange{}, false, fmt.Errorf("unknown action %q", action.Action)
	}
}

// PushEpisodeActions uploads the pending outbox; usable on its own to flush
// actions before quitting. Rows are deleted only after a confirmed upload.
func (c *Client) PushEpisodeActions(ctx context.Context) error {
	st, err := c.settings(ctx)
	if err != nil {
		return err
	}
	if !c.enabled(st, false) {
		return nil
	}

	pending, err := c.store.ListEpisodeActions(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	log.Printf("gpodder: pushing %d episode actions", len(pending))
	actions := make([]Action, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	for _, action := range pending {
		actions = append(actions, Action{
			PodcastURL: action.PodcastURL,
			EpisodeURL: action.EpisodeURL,
			Action:     action.Action,
			Device:     st.deviceID,
			Timestamp:  action.Timestamp,
			Started:    action.Started,
			Position:   action.Position,
			Total:      action.Total,
		})
		ids = append(ids, action.ID)
	}

	cursor, err := c.transport.UploadEpisodeActions(ctx, actions)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		log.Printf("gpodder: unable to push episode actions: %v", err)
		return nil
	}

	if err := c.store.DeleteEpisodeActions(ctx, ids); err != nil {
		return err
	}
	if cursor != "" {
		return c.store.SetSetting(ctx, keyLastEpisodesSync, cursor)
	}
	return nil
}

// ForceFullResync resets both cursors to the epoch so the next sync replays
// all remote state. Local data is untouched.
func (c *Client) ForceFullResync(ctx context.Context) error {
	if err := c.store.SetSetting(ctx, keyLastSubscriptionSync, syncEpoch); err != nil {
		return err
	}
	return c.store.SetSetting(ctx, keyLastEpisodesSync, syncEpoch)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}
