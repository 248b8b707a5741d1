// Package downloads fetches episode audio files through a bounded worker
// pool, reporting smoothed transfer speed and guaranteeing that partial
// files never survive a failed download.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"podkeep/internal/domain"
	"podkeep/internal/files"
	"podkeep/internal/repository"
	"podkeep/internal/tags"
)

// Smoothing factor of the exponential moving average download speed.
const smoothingFactor = 0.01

// Minimum elapsed time between two progress reports; decouples event volume
// from chunk size.
const timeDelta = 50 * time.Millisecond

const chunkSize = 32 * 1024

// Progress receives (downloaded bytes, total bytes, average speed in bytes
// per second). Total is -1 when the server did not report a size.
type Progress func(downloaded, total int64, speed float64)

type Service struct {
	store      *repository.Store
	codec      tags.Codec
	httpClient *http.Client
	root       string
	userAgent  string
	now        func() time.Time
}

func NewService(store *repository.Store, codec tags.Codec, client *http.Client, root, userAgent string) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{
		store:      store,
		codec:      codec,
		httpClient: client,
		root:       root,
		userAgent:  userAgent,
		now:        time.Now,
	}
}

// Download streams the episode file to its canonical location. The body is
// written to a ".part" sibling which is removed on every failure or
// cancellation path; the final file only ever appears complete. On success
// the file is tagged, the episode's local path persisted and a download
// action queued for sync.
func (s *Service) Download(ctx context.Context, podcast domain.Podcast, episode domain.Episode, progress Progress) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, episode.FileURL, nil)
	if err != nil {
		return "", err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download episode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}

	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = episode.Mimetype
	}
	finalPath := files.EpisodePath(s.root, podcast.Title, episode, files.GuessExtension(mimetype))
	partPath := finalPath + ".part"

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", err
	}

	if err := s.writeBody(ctx, resp, partPath, progress); err != nil {
		return "", err
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return "", err
	}

	if err := s.codec.Write(finalPath, podcast, episode); err != nil {
		// Tagging is best effort; the download itself succeeded.
		log.Printf("downloads: unable to tag %s: %v", finalPath, err)
	}

	if err := s.store.FinishDownload(ctx, episode.ID, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func (s *Service) writeBody(ctx context.Context, resp *http.Response, partPath string, progress Progress) (err error) {
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		file.Close()
		// The partial file never survives a failed or cancelled download.
		if err != nil {
			os.Remove(partPath)
		}
	}()

	total := resp.ContentLength
	if total < 0 {
		// Unknown size: no chunked progress, single read and write.
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if _, err := file.Write(data); err != nil {
			return err
		}
		return file.Sync()
	}

	meter := newSpeedMeter(s.now)
	var downloaded int64
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return err
			}
			downloaded += int64(n)
			if speed, ok := meter.add(int64(n)); ok && progress != nil {
				progress(downloaded, total, speed)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return readErr
		}
	}
	return file.Sync()
}

// speedMeter computes an exponential moving average of the download speed,
// sampled at most once per timeDelta.
type speedMeter struct {
	now      func() time.Time
	previous time.Time
	step     int64
	average  float64
}

func newSpeedMeter(now func() time.Time) *speedMeter {
	return &speedMeter{now: now, previous: now()}
}

// add accumulates bytes and, once timeDelta has elapsed since the previous
// sample, folds the instantaneous speed into the average and reports it.
func (m *speedMeter) add(n int64) (float64, bool) {
	m.step += n

	elapsed := m.now().Sub(m.previous)
	if elapsed < timeDelta {
		return 0, false
	}

	current := float64(m.step) / elapsed.Seconds()
	if m.average == 0 {
		m.average = current
	} else {
		m.average = smoothingFactor*current + (1-smoothingFactor)*m.average
	}

	m.step = 0
	m.previous = m.now()
	return m.average, true
}
