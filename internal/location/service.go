// Package location keeps the administrative location tree in a local
// cache and queues edits to it, including direct production-basin
// assignments. Derived basin membership is recomputed after every full
// refresh and whenever queued edits are overlaid for display.
package location

import (
	"context"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/agrilink/fieldsync/backend/internal/basin"
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

// EntityType is the dispatch tag of location operations.
const EntityType = "location"

const basePath = "/locations"

// Remote is the subset of the API client used by the service.
type Remote interface {
	Put(ctx context.Context, path string, body, out any) error
}

// Fetcher loads every location with its direct basin associations.
type Fetcher func(ctx context.Context) ([]models.Location, error)

// RemoteFetcher walks every page of GET /locations.
func RemoteFetcher(c *remote.Client) Fetcher {
	return func(ctx context.Context) ([]models.Location, error) {
		return remote.FetchAll[models.Location](ctx, c, basePath)
	}
}

// Config wires a Service.
type Config struct {
	Remote          Remote
	Fetch           Fetcher
	Cache           Cache
	Tracker         deltas.Tracker
	Scheduler       offline.Scheduler
	Session         session.Provider
	Notifier        notify.Notifier
	NotifyThreshold int
}

// Service implements sync.Handler and sync.LoginSyncer for locations.
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

// NewService creates a location Service.
func NewService(cfg Config) *Service {
	return &Service{
		remote:  cfg.Remote,
		fetch:   cfg.Fetch,
		cache:   cfg.Cache,
		tracker: cfg.Tracker,
		sched:   cfg.Scheduler,
		session: cfg.Session,
		writer:  offline.NewWriter(EntityType, cfg.Scheduler, cfg.Session, cfg.Notifier),
		notices: offline.NewNotices("Location", cfg.Scheduler.Store(), cfg.Notifier, cfg.NotifyThreshold, describe),
		logger:  logging.Get().Named("location"),
	}
}

func describe(p models.Payload) string {
	if name := p.String("name"); name != "" {
		return "location " + name
	}
	return ""
}

// EntityType implements sync.Handler.
func (s *Service) EntityType() string {
	return EntityType
}

// Handle replays a queued location update. Locations are created by
// administrators only, so a queued create is rejected.
func (s *Service) Handle(ctx context.Context, op *models.PendingOperation) error {
	if op.Operation != models.OperationUpdate {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation,
			"locations cannot be created from the field")
	}
	if op.EntityID == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "location code is required")
	}
	if len(op.Payload) == 0 {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "empty location update")
	}
	return s.remote.Put(ctx, basePath+"/"+url.PathEscape(op.EntityID), op.Payload, nil)
}

// OnSuccess notifies the user and refreshes the tree in the background.
func (s *Service) OnSuccess(ctx context.Context, _ string, kind models.OperationKind, _ string) {
	s.notices.Succeeded(ctx, kind)
	s.RequestRefresh(ctx)
}

// OnError renders a notice within the notification threshold.
func (s *Service) OnError(ctx context.Context, _ string, kind models.OperationKind, err error, entityID string) error {
	return s.notices.Failed(ctx, kind, err, entityID)
}

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

// RequestRefresh starts a full refresh unless one is already running.
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

func (s *Service) fullRefresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "location.refresh")
	defer span.End()

	// Changes committed while the list is in flight stay after the watermark.
	syncedAt := time.Now()
	fetched, err := s.fetch(ctx)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}

	start := time.Now()
	tree := basin.CalculatePropagation(fetched)
	metrics.ObservePropagation(len(tree), time.Since(start))

	if err := s.cache.ReplaceAll(ctx, tree); err != nil {
		telemetry.AddSpanError(ctx, err)
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}
	if err := s.tracker.MarkRefreshed(ctx, EntityType, syncedAt); err != nil {
		metrics.ObserveRefresh(EntityType, metrics.ResultFailure)
		return err
	}

	span.SetAttributes(attribute.Int("location.count", len(tree)))
	metrics.ObserveRefresh(EntityType, metrics.ResultSuccess)
	s.logger.Info("Location tree refreshed", map[string]interface{}{
		"count":       len(tree),
		"propagation": time.Since(start).String(),
	})
	return nil
}

// =====================================================
// Read side
// =====================================================

// Tree returns every location with the signed-in user's queued edits
// applied. Basin membership is recomputed when an edit is pending.
func (s *Service) Tree(ctx context.Context) ([]models.Location, error) {
	tree, err := s.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return tree, nil
	}

	index := make(map[string]int, len(tree))
	for i := range tree {
		if _, dup := index[tree[i].Code]; !dup {
			index[tree[i].Code] = i
		}
	}
	for _, op := range pending {
		i, ok := index[op.EntityID]
		if !ok {
			continue
		}
		apply(&tree[i], op.Payload)
		tree[i].Pending = true
	}
	return basin.CalculatePropagation(tree), nil
}

// Get returns one location as shown by Tree.
func (s *Service) Get(ctx context.Context, code string) (*models.Location, error) {
	tree, err := s.Tree(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tree {
		if tree[i].Code == code {
			return &tree[i], nil
		}
	}
	return nil, notFound(code)
}

// Children returns the direct children of parentCode.
func (s *Service) Children(ctx context.Context, parentCode string) ([]models.Location, error) {
	pending, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return s.cache.Children(ctx, parentCode)
	}

	tree, err := s.Tree(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Location
	for _, loc := range tree {
		if loc.ParentCode == parentCode {
			out = append(out, loc)
		}
	}
	return out, nil
}

func (s *Service) pending(ctx context.Context) ([]*models.PendingOperation, error) {
	userID := s.session.UserID()
	if userID == "" {
		return nil, nil
	}
	return s.sched.Store().List(ctx, queue.ListFilter{UserID: userID, EntityType: EntityType})
}

// apply overlays the editable fields of payload onto loc.
func apply(loc *models.Location, payload models.Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var patch struct {
		Name         *string           `json:"name"`
		DirectBasins *[]models.BasinRef `json:"directBasins"`
	}
	if err := json.Unmarshal(data, &patch); err != nil {
		return
	}
	if patch.Name != nil {
		loc.Name = *patch.Name
	}
	if patch.DirectBasins != nil {
		loc.DirectBasins = *patch.DirectBasins
	}
}

// =====================================================
// Write side
// =====================================================

// Rename queues a new display name for code.
func (s *Service) Rename(ctx context.Context, code, name string) (*models.PendingOperation, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "location name is required")
	}
	if _, err := s.cache.Get(ctx, code); err != nil {
		return nil, err
	}
	return s.writer.Update(ctx, code, models.Payload{"name": name})
}

// AssignBasins queues the direct basin associations of code and returns
// the tree as it will look once the change is confirmed.
func (s *Service) AssignBasins(ctx context.Context, code string, basins []models.BasinRef) ([]models.Location, error) {
	for _, b := range basins {
		if b.ID == "" {
			return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "basin id is required")
		}
	}
	if _, err := s.cache.Get(ctx, code); err != nil {
		return nil, err
	}

	tree, err := s.Tree(ctx)
	if err != nil {
		return nil, err
	}
	preview := basin.UpdatePropagationAfterChange(tree, code, basins)

	refs := make([]models.BasinRef, len(basins))
	copy(refs, basins)
	if _, err := s.writer.Update(ctx, code, models.Payload{"directBasins": refs}); err != nil {
		return nil, err
	}
	return preview, nil
}

// Membership returns the derived basin membership of code computed from
// the cached tree and the queued edits.
func (s *Service) Membership(ctx context.Context, code string) (models.Location, error) {
	tree, err := s.Tree(ctx)
	if err != nil {
		return models.Location{}, err
	}
	loc, ok := basin.CalculateForLocation(code, tree)
	if !ok {
		return models.Location{}, notFound(code)
	}
	return loc, nil
}
