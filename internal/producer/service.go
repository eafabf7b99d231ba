// Package producer is the reference offline-capable entity: producers are
// created and edited through the pending-operation queue, activated and
// deactivated only while online, and read from a local cache refreshed on
// login and whenever the delta poller reports remote changes.
package producer

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/metrics"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/notify"
	"github.com/agrilink/fieldsync/backend/internal/offline"
	"github.com/agrilink/fieldsync/backend/internal/remote"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/sync/deltas"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
	"github.com/agrilink/fieldsync/backend/internal/telemetry"
)

// EntityType is the dispatch tag of producer operations.
const EntityType = "producer"

const basePath = "/producers"

// Remote is the subset of the API client used by the service.
type Remote interface {
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, body, out any) error
}

// Fetcher loads the full remote producer list.
type Fetcher func(ctx context.Context) ([]models.Producer, error)

// RemoteFetcher walks every page of GET /producers.
func RemoteFetcher(c *remote.Client) Fetcher {
	return func(ctx context.Context) ([]models.Producer, error) {
		return remote.FetchAll[models.Producer](ctx, c, basePath)
	}
}

// Config wires a Service.
type Config struct {
	Remote    Remote
	Fetch     Fetcher
	Cache     Cache
	Tracker   deltas.Tracker
	Scheduler offline.Scheduler
	Session   session.Provider
	Notifier  notify.Notifier
	// NotifyThreshold caps how many failed replays of one operation are
	// reported to the user.
	NotifyThreshold int
}

// Service implements sync.Handler and sync.LoginSyncer for producers.
type Service struct {
	remote  Remote
	fetch   Fetcher
	cache   Cache
	tracker deltas.Tracker
	sched   offline.Scheduler
	session session.Provider
	writer  *offline.Writer
	notices *offline.Notices
	refresh singleflight.Group
	logger  *logging.Logger
}

// NewService creates a producer Service.
func NewService(cfg Config) *Service {
	return &Service{
		remote:  cfg.Remote,
		fetch:   cfg.Fetch,
		cache:   cfg.Cache,
		tracker: cfg.Tracker,
		sched:   cfg.Scheduler,
		session: cfg.Session,
		writer:  offline.NewWriter(EntityType, cfg.Scheduler, cfg.Session, cfg.Notifier),
		notices: offline.NewNotices("Producer", cfg.Scheduler.Store(), cfg.Notifier, cfg.NotifyThreshold, describe),
		logger:  logging.Get().Named("producer"),
	}
}

func describe(p models.Payload) string {
	name := p.String("name")
	if name == "" {
		return ""
	}
	if code := p.String("code"); code != "" {
		return "producer " + name + " (" + code + ")"
	}
	return "producer " + name
}

func producerPath(id string, suffix ...string) string {
	parts := append([]string{basePath, url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/")
}

// =====================================================
// Handler
// =====================================================

// EntityType implements sync.Handler.
func (s *Service) EntityType() string {
	return EntityType
}

// Handle replays a queued create or update.
func (s *Service) Handle(ctx context.Context, op *models.PendingOperation) error {
	switch op.Operation {
	case models.OperationCreate:
		if op.Payload.String("id") == "" {
			return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer payload has no id")
		}
		if op.Payload.String("name") == "" {
			return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer name is required")
		}
		var created models.Producer
		if err := s.remote.Post(ctx, basePath, op.Payload, &created); err != nil {
			return err
		}
		return nil

	case models.OperationUpdate:
		if op.EntityID == "" {
			return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer id is required")
		}
		// A create rebased after confirmation still carries id and status.
		patch := op.Payload.Clone()
		delete(patch, "id")
		delete(patch, "status")
		if len(patch) == 0 {
			return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "empty producer update")
		}
		return s.remote.Put(ctx, producerPath(op.EntityID), patch, nil)
	}
	return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "unsupported operation "+string(op.Operation))
}

// OnSuccess notifies the user and refreshes the cache in the background.
func (s *Service) OnSuccess(ctx context.Context, _ string, kind models.OperationKind, entityID string) {
	s.notices.Succeeded(ctx, kind)
	s.RequestRefresh(ctx)
}

// OnError renders a notice within the notification threshold.
func (s *Service) OnError(ctx context.Context, _ string, kind models.OperationKind, err error, entityID string) error {
	return s.notices.Failed(ctx, kind, err, entityID)
}

// =====================================================
// Read side
// =====================================================

// SyncOnLogin fills an empty cache, and otherwise refreshes it only when
// the delta tracker reports remote changes.
func (s *Service) SyncOnLogin(ctx context.Context) error {
	n, err := s.cache.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		delta, err := s.tracker.EntityCount(ctx, EntityType)
		if err != nil {
			return err
		}
		if delta == 0 {
			metrics.ObserveRefresh(EntityType, metrics.ResultSkipped)
			return nil
		}
	}

	_, err, _ = s.refresh.Do(EntityType, func() (interface{}, error) {
		return nil, s.fullRefresh(ctx)
	})
	return err
}

// RequestRefresh starts a full refresh unless one is already running. The
// returned channel yields its outcome.
func (s *Service) RequestRefresh(ctx context.Context) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	return s.refresh.DoChan(EntityType, func() (interface{}, error) {
		err := s.fullRefresh(detached)
		if err != nil {
			s.logger.Warn("Background refresh failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, err
	})
}

// fullRefresh replaces the cache with the remote list. The delta count is
// reset only after the cache was written.
func (s *Service) fullRefresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "producer.refresh")
	defer span.End()

	// Changes committed while the list is in flight stay after the watermark.
	syncedAt := time.Now()
	producers, err := s.fetch(ctx)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}
	if err := s.cache.ReplaceAll(ctx, producers); err != nil {
		telemetry.AddSpanError(ctx, err)
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}
	if err := s.tracker.MarkRefreshed(ctx, EntityType, syncedAt); err != nil {
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}

	span.SetAttributes(attribute.Int("producer.count", len(producers)))
	metrics.ObserveRefresh(EntityType, metrics.ResultSuccess)
	s.logger.Info("Producer cache refreshed", map[string]interface{}{"count": len(producers)})
	return nil
}

// List returns the cached producers with the signed-in user's queued
// changes applied on top.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]models.Producer, error) {
	cached, err := s.cache.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	pending, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(cached))
	for i := range cached {
		byID[cached[i].ID] = i
	}
	for _, op := range pending {
		if i, ok := byID[op.EntityID]; ok {
			s.overlay(&cached[i], op)
			cached[i].Pending = true
			continue
		}
		if op.Operation == models.OperationCreate {
			p := models.Producer{ID: op.EntityID, Status: models.ProducerActive}
			s.overlay(&p, op)
			p.Pending = true
			cached = append(cached, p)
		}
	}

	out := cached[:0]
	for i := range cached {
		if opts.match(&cached[i]) {
			out = append(out, cached[i])
		}
	}
	sortByName(out)
	return out, nil
}

// Get returns one producer with queued changes applied.
func (s *Service) Get(ctx context.Context, id string) (*models.Producer, error) {
	list, err := s.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, notFound(id)
}

func (s *Service) pending(ctx context.Context) ([]*models.PendingOperation, error) {
	userID := s.session.UserID()
	if userID == "" {
		return nil, nil
	}
	return s.sched.Store().List(ctx, queue.ListFilter{UserID: userID, EntityType: EntityType})
}

// apply overlays payload fields onto p. On error p is left untouched.
func apply(p *models.Producer, payload models.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	next := *p
	if err := json.Unmarshal(data, &next); err != nil {
		return err
	}
	next.ID = p.ID
	*p = next
	return nil
}

func (s *Service) overlay(p *models.Producer, op *models.PendingOperation) {
	if err := apply(p, op.Payload); err != nil {
		s.logger.Warn("Skipping unreadable queued change", map[string]interface{}{
			"op_id": op.ID, "producer_id": op.EntityID, "error": err.Error(),
		})
	}
}

// =====================================================
// Write side
// =====================================================

// CreateInput holds the fields of a new producer.
type CreateInput struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	LocationCode string `json:"locationCode"`
}

// Create queues a new producer under a client-generated id.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Producer, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer name is required")
	}

	payload := models.Payload{
		"name":   strings.TrimSpace(in.Name),
		"status": string(models.ProducerActive),
	}
	if in.Code != "" {
		payload["code"] = in.Code
	}
	if in.Phone != "" {
		payload["phone"] = in.Phone
	}
	if in.LocationCode != "" {
		payload["locationCode"] = in.LocationCode
	}

	op, err := s.writer.Create(ctx, payload)
	if err != nil {
		return nil, err
	}

	p := &models.Producer{ID: op.EntityID}
	s.overlay(p, op)
	p.Pending = true
	return p, nil
}

// Update queues patch, merging it into an already queued change.
func (s *Service) Update(ctx context.Context, id string, patch models.Payload) (*models.PendingOperation, error) {
	patch = patch.Clone()
	delete(patch, "id")
	delete(patch, "status")
	if len(patch) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "nothing to update")
	}
	return s.writer.Update(ctx, id, patch)
}

// Activate marks the producer active on the server. It never queues.
func (s *Service) Activate(ctx context.Context, id string) (*models.Producer, error) {
	return s.transition(ctx, id, "activate", models.ProducerActive)
}

// Deactivate marks the producer inactive on the server. It never queues.
func (s *Service) Deactivate(ctx context.Context, id string) (*models.Producer, error) {
	return s.transition(ctx, id, "deactivate", models.ProducerInactive)
}

func (s *Service) transition(ctx context.Context, id, action string, status models.ProducerStatus) (*models.Producer, error) {
	if err := offline.RequireOnline(s.session, "Changing a producer's status"); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "producer id is required")
	}

	var updated models.Producer
	if err := s.remote.Patch(ctx, producerPath(id, action), nil, &updated); err != nil {
		return nil, err
	}

	if updated.ID == "" {
		current, err := s.cache.Get(ctx, id)
		if err != nil {
			if apperrors.IsNotFound(err) {
				s.RequestRefresh(ctx)
				return &models.Producer{ID: id, Status: status}, nil
			}
			return nil, err
		}
		updated = *current
	}
	updated.Status = status

	if err := s.cache.Put(ctx, updated); err != nil {
		s.logger.Warn("Failed to cache producer transition", map[string]interface{}{"producer_id": id, "error": err.Error()})
	}
	s.logger.Info("Producer "+action+"d", map[string]interface{}{"producer_id": id})
	return &updated, nil
}
