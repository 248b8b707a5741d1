package downloads

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"podkeep/internal/domain"
)

const queueCapacity = 256

// ErrQueueFull is returned when the download queue cannot accept another
// episode.
var ErrQueueFull = errors.New("download queue full")

type job struct {
	podcast  domain.Podcast
	episode  domain.Episode
	progress Progress
}

// Pool runs a fixed number of download workers over an in-memory queue.
// Every queued episode is downloaded at most once at a time; cancelling an
// episode aborts it whether it is still queued or already streaming.
type Pool struct {
	service *Service
	jobs    chan job
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	queued map[int64]bool
}

func NewPool(service *Service, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		service: service,
		jobs:    make(chan job, queueCapacity),
		cancel:  cancel,
		active:  make(map[int64]context.CancelFunc),
		queued:  make(map[int64]bool),
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(ctx)
	}
	return pool
}

// Enqueue schedules the episode for download. Episodes already queued or
// downloading are not queued again.
func (p *Pool) Enqueue(podcast domain.Podcast, episode domain.Episode, progress Progress) error {
	p.mu.Lock()
	if p.queued[episode.ID] || p.active[episode.ID] != nil {
		p.mu.Unlock()
		return nil
	}
	p.queued[episode.ID] = true
	p.mu.Unlock()

	select {
	case p.jobs <- job{podcast: podcast, episode: episode, progress: progress}:
		return nil
	default:
		p.mu.Lock()
		delete(p.queued, episode.ID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Cancel aborts the episode's download, queued or in flight.
func (p *Pool) Cancel(episodeID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queued, episodeID)
	if cancel := p.active[episodeID]; cancel != nil {
		cancel()
	}
}

// Drain blocks until the queue is empty and no download is running, or the
// context is cancelled.
func (p *Pool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		idle := len(p.queued) == 0 && len(p.active) == 0 && len(p.jobs) == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop aborts all downloads and waits for the workers to finish. In-flight
// episodes are left without a local path and without a ".part" file, so they
// can simply be queued again next session.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.run(ctx, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	p.mu.Lock()
	if !p.queued[j.episode.ID] {
		// Cancelled while still queued.
		p.mu.Unlock()
		return
	}
	delete(p.queued, j.episode.ID)
	jobCtx, cancel := context.WithCancel(ctx)
	p.active[j.episode.ID] = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, j.episode.ID)
		p.mu.Unlock()
	}()

	log.Printf("downloads: starting %s", j.episode.Title)
	path, err := p.service.Download(jobCtx, j.podcast, j.episode, j.progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("downloads: cancelled %s", j.episode.Title)
		} else {
			log.Printf("downloads: %s failed: %v", j.episode.Title, err)
		}
		return
	}
	log.Printf("downloads: finished %s to %s", j.episode.Title, path)
}
