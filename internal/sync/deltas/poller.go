package deltas

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/metrics"
)

// CountsSource asks the remote API how many records of each entity type
// changed since the given times.
type CountsSource interface {
	ChangedCounts(ctx context.Context, since map[string]time.Time) (map[string]int, error)
}

// PollerConfig tunes retries of a single poll.
type PollerConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultPollerConfig returns the default retry settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxRetries:      3,
	}
}

// Poller refreshes the tracker from the remote change counts.
type Poller struct {
	source      CountsSource
	tracker     Tracker
	entityTypes []string
	cfg         PollerConfig
	logger      *logging.Logger
}

// NewPoller creates a poller for entityTypes.
func NewPoller(source CountsSource, tracker Tracker, entityTypes []string, cfg PollerConfig) *Poller {
	return &Poller{
		source:      source,
		tracker:     tracker,
		entityTypes: append([]string(nil), entityTypes...),
		cfg:         cfg,
		logger:      logging.Get().Named("deltas"),
	}
}

// Poll fetches the change counts since each entity type's watermark and
// stores them. Entity types that were never refreshed are asked about
// since the Unix epoch. Auth and validation failures are not retried.
func (p *Poller) Poll(ctx context.Context) (map[string]int, error) {
	watermarks, err := p.tracker.Watermarks(ctx)
	if err != nil {
		metrics.ObservePoll("error")
		return nil, err
	}

	since := make(map[string]time.Time, len(p.entityTypes))
	for _, t := range p.entityTypes {
		if w, ok := watermarks[t]; ok {
			since[t] = w
		} else {
			since[t] = time.Unix(0, 0).UTC()
		}
	}

	var counts map[string]int
	operation := func() error {
		var err error
		counts, err = p.source.ChangedCounts(ctx, since)
		if err == nil {
			return nil
		}
		switch apperrors.KindOf(err) {
		case apperrors.KindAuth, apperrors.KindValidation, apperrors.KindOffline:
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialInterval
	eb.MaxInterval = p.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.cfg.MaxRetries), ctx)

	notify := func(err error, next time.Duration) {
		p.logger.Warn("Delta poll failed, retrying", map[string]interface{}{
			"error": err.Error(), "retry_in": next.String(),
		})
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		metrics.ObservePoll("error")
		p.logger.Error("Delta poll failed", err)
		return nil, err
	}

	stored := make(map[string]int, len(p.entityTypes))
	for _, t := range p.entityTypes {
		n, ok := counts[t]
		if !ok {
			continue
		}
		if n < 0 {
			n = 0
		}
		current, err := p.tracker.EntityCount(ctx, t)
		if err != nil {
			return stored, err
		}
		stored[t] = n
		if current == n {
			continue
		}
		if err := p.tracker.SetEntityCount(ctx, t, n); err != nil {
			return stored, err
		}
	}

	metrics.ObservePoll("success")
	p.logger.Info("Delta poll completed", map[string]interface{}{"counts": stored})
	return stored, nil
}
