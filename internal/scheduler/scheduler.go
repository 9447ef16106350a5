// Package scheduler implements the proactive refresh scheduler: a
// background timer scans the account pool for tokens nearing expiry and
// enqueues refresh tasks, which a second timer drains serially per account,
// collapsing duplicate enqueues via singleflight.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

// Scheduler owns the scan timer and the queue worker. One Scheduler is
// created per running server; Stop is idempotent and safe to call even if
// Start was never called.
type Scheduler struct {
	manager *account.Manager
	cfg     config.TokenConfig

	group singleflight.Group

	queue chan int

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
}

// New returns a Scheduler backed by manager, tuned by cfg (spec.md §4.5's
// scan/queue intervals and refresh buffer).
func New(manager *account.Manager, cfg config.TokenConfig) *Scheduler {
	return &Scheduler{
		manager: manager,
		cfg:     cfg,
		queue:   make(chan int, 64),
	}
}

// Start launches the scan and queue-worker goroutines. A no-op if the
// scheduler is disabled in config or already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || !s.cfg.ProactiveEnabled {
		return
	}
	s.stopChan = make(chan struct{})
	s.running = true

	go s.scanLoop(ctx, s.stopChan)
	go s.queueLoop(ctx, s.stopChan)

	logging.Info("scheduler: proactive token refresh started (scan %dms, queue %dms)", s.cfg.ScanIntervalMs, s.cfg.QueueIntervalMs)
}

// Stop halts both goroutines. Idempotent: safe to call from loader reload
// or process shutdown regardless of whether Start ran.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
}

func (s *Scheduler) scanLoop(ctx context.Context, stop <-chan struct{}) {
	interval := time.Duration(s.cfg.ScanIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, idx := range s.manager.AccountsDueForRefresh(s.cfg.RefreshBufferMs) {
				select {
				case s.queue <- idx:
				default:
					logging.Warn("scheduler: refresh queue full, dropping scan result for account %d", idx)
				}
			}
		}
	}
}

func (s *Scheduler) queueLoop(ctx context.Context, stop <-chan struct{}) {
	interval := time.Duration(s.cfg.QueueIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make(map[int]bool)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case idx := <-s.queue:
			pending[idx] = true
		case <-ticker.C:
			for idx := range pending {
				s.refresh(ctx, idx)
				delete(pending, idx)
			}
		}
	}
}

// refresh performs (or joins, via singleflight) the refresh for idx, so a
// duplicate enqueue collapses into the in-flight attempt instead of issuing
// a second refresh-token exchange.
func (s *Scheduler) refresh(ctx context.Context, idx int) {
	key := strconv.Itoa(idx)
	_, err, _ := s.group.Do(key, func() (interface{}, error) {
		return nil, s.manager.RefreshAccountToken(ctx, idx)
	})
	if err != nil {
		logging.Warn("scheduler: proactive refresh failed for account %d: %v", idx, err)
		return
	}
	logging.Debug("scheduler: proactively refreshed account %d", idx)
}
