// Package scheduler drives the sync orchestrator in the background: the
// post-login refresh, the delta poll tick, the periodic queue flush and the
// flush on reconnect.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	syncpkg "github.com/agrilink/fieldsync/backend/internal/sync"
)

// Engine is the part of the orchestrator the scheduler drives.
type Engine interface {
	TriggerSync()
	Flush(ctx context.Context) (syncpkg.Result, error)
	SyncOnLogin(ctx context.Context) error
}

// DeltaPoller refreshes the per-entity change counts.
type DeltaPoller interface {
	Poll(ctx context.Context) (map[string]int, error)
}

// Listener is told about completed flushes and connectivity changes.
type Listener interface {
	SyncCompleted(replayed, failed int, duration time.Duration)
	ConnectivityChanged(online bool)
}

// SignedIn reports whether a user session exists. Polling is skipped
// without one.
type SignedIn interface {
	UserID() string
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PollInterval  time.Duration // How often to poll change counts (default: 5 minutes)
	QueueInterval time.Duration // How often to flush the queue when online (default: 1 minute)
	RunTimeout    time.Duration // Upper bound of one poll or flush run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:  5 * time.Minute,
		QueueInterval: 1 * time.Minute,
		RunTimeout:    5 * time.Minute,
	}
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine   Engine
	poller   DeltaPoller
	listener Listener
	session  SignedIn
	cfg      SchedulerConfig
	logger   *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastPollTime    time.Time
	lastFlushTime   time.Time
	pollInProgress  bool
	flushInProgress bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithListener reports flushes and connectivity changes to l.
func WithListener(l Listener) Option {
	return func(s *Scheduler) { s.listener = l }
}

// WithSession skips polls while no user is signed in.
func WithSession(p SignedIn) Option {
	return func(s *Scheduler) { s.session = p }
}

// NewScheduler creates a new Scheduler. poller may be nil, in which case
// the poll tick only runs the login refresh.
func NewScheduler(engine Engine, poller DeltaPoller, config *SchedulerConfig, opts ...Option) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = defaults.QueueInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}

	s := &Scheduler{
		engine:   engine,
		poller:   poller,
		cfg:      cfg,
		logger:   logging.Get().Named("scheduler"),
		stopCh:   make(chan struct{}),
		isOnline: true, // Assume online initially
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the poll and queue loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.PollInterval, s.runPoll)
	go s.loop(ctx, s.cfg.QueueInterval, s.runFlush)

	s.logger.Info("Background sync scheduler started", map[string]interface{}{
		"poll_interval":  s.cfg.PollInterval.String(),
		"queue_interval": s.cfg.QueueInterval.String(),
	})
}

// Stop stops the loops and waits for any run they started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Background sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// OnLogin refreshes every entity cache and then schedules a flush of every
// queue. The flush is scheduled even when a refresh failed.
func (s *Scheduler) OnLogin(ctx context.Context) error {
	err := s.engine.SyncOnLogin(ctx)
	if err != nil {
		s.logger.ErrorWithCode("Login refresh failed", string(errors.ErrSyncFailed), err)
	}
	s.engine.TriggerSync()
	return err
}

// SetOnlineStatus records connectivity. Going from offline to online
// schedules a flush and a poll.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	poll := isOnline && !wasOnline && s.isRunning
	if poll {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	s.logger.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if s.listener != nil {
		s.listener.ConnectivityChanged(isOnline)
	}
	if !isOnline {
		return
	}

	s.engine.TriggerSync()
	if poll {
		go func() {
			defer s.wg.Done()
			s.runPoll(context.Background())
		}()
	}
}

// runPoll refreshes the delta counts and lets every handler decide whether
// its cache needs a refresh.
func (s *Scheduler) runPoll(ctx context.Context) {
	if !s.IsOnline() {
		s.logger.Debug("Skipping poll - scheduler is offline")
		return
	}
	if s.session != nil && s.session.UserID() == "" {
		s.logger.Debug("Skipping poll - no signed-in user")
		return
	}

	s.mu.Lock()
	if s.pollInProgress {
		s.mu.Unlock()
		return
	}
	s.pollInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pollInProgress = false
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	if s.poller != nil {
		counts, err := s.poller.Poll(runCtx)
		if err != nil {
			// Handlers keep their previous counts; the refresh still runs.
			s.logger.Warn("Delta poll failed", map[string]interface{}{"error": err.Error()})
		} else {
			s.logger.Debug("Delta poll completed", map[string]interface{}{"counts": counts})
		}
	}

	if err := s.engine.SyncOnLogin(runCtx); err != nil {
		s.logger.ErrorWithCode("Cache refresh failed", string(errors.ErrSyncFailed), err)
	}

	s.mu.Lock()
	s.lastPollTime = time.Now()
	s.mu.Unlock()
}

// runFlush replays every queue once when online.
func (s *Scheduler) runFlush(ctx context.Context) {
	if !s.IsOnline() {
		return
	}

	s.mu.Lock()
	if s.flushInProgress {
		s.mu.Unlock()
		return
	}
	s.flushInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushInProgress = false
		s.mu.Unlock()
	}()

	if _, err := s.flush(ctx); err != nil {
		s.logger.ErrorWithCode("Periodic flush failed", string(errors.ErrSyncFailed), err)
	}
}

func (s *Scheduler) flush(ctx context.Context) (syncpkg.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.engine.Flush(runCtx)
	if err != nil {
		return res, err
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	s.lastFlushTime = time.Now()
	s.mu.Unlock()

	if res.Replayed > 0 || res.Failed > 0 {
		s.logger.Info("Flush completed", map[string]interface{}{
			"replayed":    res.Replayed,
			"failed":      res.Failed,
			"superseded":  res.Superseded,
			"duration_ms": elapsed.Milliseconds(),
		})
		if s.listener != nil {
			s.listener.SyncCompleted(res.Replayed, res.Failed, elapsed)
		}
	}
	return res, nil
}

// SyncNow flushes every queue and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (syncpkg.Result, error) {
	return s.flush(ctx)
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool       `json:"isRunning"`
	IsOnline        bool       `json:"isOnline"`
	LastPollTime    *time.Time `json:"lastPollTime,omitempty"`
	LastFlushTime   *time.Time `json:"lastFlushTime,omitempty"`
	PollInProgress  bool       `json:"pollInProgress"`
	FlushInProgress bool       `json:"flushInProgress"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		PollInProgress:  s.pollInProgress,
		FlushInProgress: s.flushInProgress,
	}
	if !s.lastPollTime.IsZero() {
		t := s.lastPollTime
		status.LastPollTime = &t
	}
	if !s.lastFlushTime.IsZero() {
		t := s.lastFlushTime
		status.LastFlushTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
