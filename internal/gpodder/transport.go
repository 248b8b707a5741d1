// Package gpodder synchronizes the library with a gpodder.net-compatible
// service: subscriptions and episode actions both ways, with monotonic sync
// cursors.
package gpodder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthorized distinguishes bad credentials from transport failures, so
// the frontend can prompt instead of silently retrying.
var ErrUnauthorized = errors.New("invalid credentials")

// SubscriptionChanges is the result of a subscription pull.
type SubscriptionChanges struct {
	Add    []string
	Remove []string
	Cursor string
}

// UpdateResult is the response to a subscription push. UpdateURLs lists
// (old, new) pairs for feeds whose canonical URL changed upstream.
type UpdateResult struct {
	UpdateURLs [][2]string
	Cursor     string
}

// Device is one device registered with the remote service.
type Device struct {
	ID      string
	Caption string
}

// Action is an episode action in remote form, identified by podcast and
// episode URLs. Started, Position and Total are meaningful for play actions
// only.
type Action struct {
	PodcastURL string
	EpisodeURL string
	Action     string
	Device     string
	Timestamp  time.Time
	Started    int
	Position   int
	Total      int
}

// ActionChanges is the result of an episode action pull.
type ActionChanges struct {
	Actions []Action
	Cursor  string
}

// Transport is the remote side of the synchronization engine.
type Transport interface {
	PullSubscriptions(ctx context.Context, deviceID, cursor string) (SubscriptionChanges, error)
	UpdateSubscriptions(ctx context.Context, deviceID string, add, remove []string) (UpdateResult, error)
	DownloadEpisodeActions(ctx context.Context, cursor string) (ActionChanges, error)
	UploadEpisodeActions(ctx context.Context, actions []Action) (string, error)
	GetDevices(ctx context.Context) ([]Device, error)
	UpdateDeviceSettings(ctx context.Context, deviceID, caption string) error
}

// Dialer opens a transport for the given account, verifying the credentials.
type Dialer func(ctx context.Context, username, password, hostname string) (Transport, error)

// httpTransport talks the gpodder.net v2 JSON API.
type httpTransport struct {
	client   *http.Client
	username string
	password string
	base     string
}

// Dial verifies the credentials against the service and returns a transport
// bound to them.
func Dial(client *http.Client) Dialer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, username, password, hostname string) (Transport, error) {
		t := &httpTransport{
			client:   client,
			username: username,
			password: password,
			base:     "https://" + hostname,
		}
		path := fmt.Sprintf("/api/2/auth/%s/login.json", url.PathEscape(username))
		if err := t.do(ctx, http.MethodPost, path, nil, nil); err != nil {
			return nil, err
		}
		return t, nil
	}
}

func (t *httpTransport) PullSubscriptions(ctx context.Context, deviceID, cursor string) (SubscriptionChanges, error) {
	path := fmt.Sprintf("/api/2/subscriptions/%s/%s.json?since=%s",
		url.PathEscape(t.username), url.PathEscape(deviceID), url.QueryEscape(cursor))
	var body struct {
		Add       []string    `json:"add"`
		Remove    []string    `json:"remove"`
		Timestamp json.Number `json:"timestamp"`
	}
	if err := t.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return SubscriptionChanges{}, err
	}
	return SubscriptionChanges{
		Add:    body.Add,
		Remove: body.Remove,
		Cursor: body.Timestamp.String(),
	}, nil
}

func (t *httpTransport) UpdateSubscriptions(ctx context.Context, deviceID string, add, remove []string) (UpdateResult, error) {
	path := fmt.Sprintf("/api/2/subscriptions/%s/%s.json",
		url.PathEscape(t.username), url.PathEscape(deviceID))
	payload := map[string][]string{"add": orEmpty(add), "remove": orEmpty(remove)}
	var body struct {
		Timestamp  json.Number `json:"timestamp"`
		UpdateURLs [][]string  `json:"update_urls"`
	}
	if err := t.do(ctx, http.MethodPost, path, payload, &body); err != nil {
		return UpdateResult{}, err
	}
	result := UpdateResult{Cursor: body.Timestamp.String()}
	for _, pair := range body.UpdateURLs {
		if len(pair) == 2 {
			result.UpdateURLs = append(result.UpdateURLs, [2]string{pair[0], pair[1]})
		}
	}
	return result, nil
}

type wireAction struct {
	Podcast   string `json:"podcast"`
	Episode   string `json:"episode"`
	Device    string `json:"device,omitempty"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	Started   *int   `json:"started,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Total     *int   `json:"total,omitempty"`
}

func (t *httpTransport) DownloadEpisodeActions(ctx context.Context, cursor string) (ActionChanges, error) {
	path := fmt.Sprintf("/api/2/episodes/%s.json?since=%s",
		url.PathEscape(t.username), url.QueryEscape(cursor))
	var body struct {
		Actions   []wireAction `json:"actions"`
		Timestamp json.Number  `json:"timestamp"`
	}
	if err := t.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return ActionChanges{}, err
	}

	changes := ActionChanges{Cursor: body.Timestamp.String()}
	for _, wa := range body.Actions {
		action := Action{
			PodcastURL: wa.Podcast,
			EpisodeURL: wa.Episode,
			Action:     wa.Action,
			Device:     wa.Device,
		}
		if ts, err := parseTimestamp(wa.Timestamp); err == nil {
			action.Timestamp = ts
		}
		if wa.Started != nil {
			action.Started = *wa.Started
		}
		if wa.Position != nil {
			action.Position = *wa.Position
		}
		if wa.Total != nil {
			action.Total = *wa.Total
		}
		changes.Actions = append(changes.Actions, action)
	}
	return changes, nil
}

func (t *httpTransport) UploadEpisodeActions(ctx context.Context, actions []Action) (string, error) {
	path := fmt.Sprintf("/api/2/episodes/%s.json", url.PathEscape(t.username))
	payload := make([]wireAction, 0, len(actions))
	for _, action := range actions {
		wa := wireAction{
			Podcast:   action.PodcastURL,
			Episode:   action.EpisodeURL,
			Device:    action.Device,
			Action:    action.Action,
			Timestamp: action.Timestamp.UTC().Format(iso8601),
		}
		if action.Action == "play" {
			started, position, total := action.Started, action.Position, action.Total
			wa.Started, wa.Position, wa.Total = &started, &position, &total
		}
		payload = append(payload, wa)
	}
	var body struct {
		Timestamp json.Number `json:"timestamp"`
	}
	if err := t.do(ctx, http.MethodPost, path, payload, &body); err != nil {
		return "", err
	}
	return body.Timestamp.String(), nil
}

func (t *httpTransport) GetDevices(ctx context.Context) ([]Device, error) {
	path := fmt.Sprintf("/api/2/devices/%s.json", url.PathEscape(t.username))
	var body []struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	}
	if err := t.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(body))
	for _, d := range body {
		devices = append(devices, Device{ID: d.ID, Caption: d.Caption})
	}
	return devices, nil
}

func (t *httpTransport) UpdateDeviceSettings(ctx context.Context, deviceID, caption string) error {
	path := fmt.Sprintf("/api/2/devices/%s/%s.json",
		url.PathEscape(t.username), url.PathEscape(deviceID))
	payload := map[string]string{"caption": caption, "type": "desktop"}
	return t.do(ctx, http.MethodPost, path, payload, nil)
}

func (t *httpTransport) do(ctx context.Context, method, path string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.base+path, reqBody)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.username, t.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gpodder request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("gpodder request failed: %s", resp.Status)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode gpodder response: %w", err)
	}
	return nil
}

const iso8601 = "2006-01-02T15:04:05"

func parseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(iso8601, value)
}

func orEmpty(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
