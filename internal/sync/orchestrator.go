package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/metrics"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/session"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
	"github.com/agrilink/fieldsync/backend/internal/telemetry"
)

// Config tunes the orchestrator.
type Config struct {
	// HandleTimeout bounds each Handle and OnError call. Zero disables it.
	HandleTimeout time.Duration
	// Concurrency caps how many users Flush and SyncOnLogin process at once.
	Concurrency int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		HandleTimeout: 30 * time.Second,
		Concurrency:   4,
	}
}

// Connectivity reports whether the remote API is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Account reports the signed-in user. Handlers sign remote calls with that
// user's token, so only their queue is replayed; other queues wait until
// their owner signs in again.
type Account interface {
	UserID() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConnectivity makes flushes no-ops while c reports offline.
func WithConnectivity(c Connectivity) Option {
	return func(o *Orchestrator) { o.conn = c }
}

// WithAccount restricts replay to the queue of the user a reports.
func WithAccount(a Account) Option {
	return func(o *Orchestrator) { o.account = a }
}

// WithLogger replaces the default component logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithQueueListener registers fn to run whenever a user's queue changed.
func WithQueueListener(fn func(userID string)) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, fn) }
}

// Result summarizes one or more flush passes.
type Result struct {
	Replayed   int `json:"replayed"`
	Failed     int `json:"failed"`
	Superseded int `json:"superseded"`
	// Errors counts operations that could not be read or updated locally.
	Errors int `json:"errors"`
	// Offline is set when a pass was skipped for lack of connectivity.
	Offline bool `json:"offline"`
	// SignedOut is set when a pass stopped because its user is not the
	// signed-in one.
	SignedOut bool `json:"signedOut"`
	// Deferred is set when another flush owned the queue; it runs a
	// follow-up pass instead.
	Deferred bool `json:"deferred"`
}

func (r *Result) add(other Result) {
	r.Replayed += other.Replayed
	r.Failed += other.Failed
	r.Superseded += other.Superseded
	r.Errors += other.Errors
	r.Offline = r.Offline || other.Offline
	r.SignedOut = r.SignedOut || other.SignedOut
	r.Deferred = r.Deferred || other.Deferred
}

// flight is the per-user single-flight slot. again records a trigger that
// arrived while the flush was running.
type flight struct {
	again bool
}

// Orchestrator flushes pending operations through registered handlers.
type Orchestrator struct {
	store     queue.Store
	registry  *Registry
	conn      Connectivity
	account   Account
	cfg       Config
	logger    *logging.Logger
	listeners []func(userID string)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	flights map[string]*flight
	active  int
	idle    chan struct{}
	closed  bool
}

// NewOrchestrator creates an orchestrator over store and registry.
func NewOrchestrator(store queue.Store, registry *Registry, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	o := &Orchestrator{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logging.Get().Named("orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
		flights:  make(map[string]*flight),
		idle:     idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the pending-operation store.
func (o *Orchestrator) Store() queue.Store {
	return o.store
}

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) online() bool {
	return o.conn == nil || o.conn.IsOnline()
}

// signedIn reports whether userID's operations may be replayed now.
func (o *Orchestrator) signedIn(userID string) bool {
	return o.account == nil || o.account.UserID() == userID
}

// replayable keeps the users whose queue may be replayed now.
func (o *Orchestrator) replayable(users []string) []string {
	if o.account == nil {
		return users
	}
	out := make([]string, 0, len(users))
	for _, userID := range users {
		if o.signedIn(userID) {
			out = append(out, userID)
		}
	}
	return out
}

// =====================================================
// Public API
// =====================================================

// QueueOperation persists op for userID and schedules a flush of that
// user's queue. The caller has already ruled out a merge.
func (o *Orchestrator) QueueOperation(ctx context.Context, op *models.PendingOperation, userID string) (*models.PendingOperation, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, "no signed-in user")
	}
	if op == nil {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "operation is nil")
	}
	op.UserID = userID

	if err := o.store.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	o.logger.Info("Operation queued", map[string]interface{}{
		"op_id":       op.ID,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
		"operation":   string(op.Operation),
		"user_id":     userID,
	})

	o.queueChanged(ctx, userID)
	o.TriggerSyncFor(userID)
	return op.Clone(), nil
}

// UpsertOperation queues op for userID, or merges its payload into the
// operation already queued for the same entity in one store transaction.
// It reports whether the payload was merged. Either way a flush is
// scheduled.
func (o *Orchestrator) UpsertOperation(ctx context.Context, op *models.PendingOperation, userID string) (*models.PendingOperation, bool, error) {
	if userID == "" {
		return nil, false, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth, "no signed-in user")
	}
	if op == nil {
		return nil, false, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation, "operation is nil")
	}
	op.UserID = userID

	stored, merged, err := o.store.Upsert(ctx, op)
	if err != nil {
		return nil, false, err
	}

	fields := map[string]interface{}{
		"op_id":       stored.ID,
		"entity_type": stored.EntityType,
		"entity_id":   stored.EntityID,
		"operation":   string(stored.Operation),
		"user_id":     userID,
	}
	if merged {
		o.logger.Debug("Merged edit into queued operation", fields)
	} else {
		o.logger.Info("Operation queued", fields)
		o.queueChanged(ctx, userID)
	}

	o.TriggerSyncFor(userID)
	return stored, merged, nil
}

// TriggerSync schedules a flush of every replayable user's queue without
// waiting.
func (o *Orchestrator) TriggerSync() {
	users, err := o.store.Users(o.ctx)
	if err != nil {
		o.logger.Error("Failed to list queued users", err)
		return
	}
	for _, userID := range o.replayable(users) {
		o.TriggerSyncFor(userID)
	}
}

// TriggerSyncFor schedules a flush of userID's queue. If a flush of that
// queue is running, a single follow-up pass is scheduled instead. It does
// nothing while userID is not the signed-in user.
func (o *Orchestrator) TriggerSyncFor(userID string) {
	if !o.signedIn(userID) {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if !o.acquire(userID) {
		return
	}

	o.begin()
	go func() {
		defer o.end()
		o.drain(o.ctx, userID, func() Result { return o.flushPass(o.ctx, userID) })
	}()
}

// Flush synchronously flushes the queue of every replayable user. Users
// whose queue is already being flushed get a follow-up pass and are
// reported as Deferred.
func (o *Orchestrator) Flush(ctx context.Context) (Result, error) {
	users, err := o.store.Users(ctx)
	if err != nil {
		return Result{}, err
	}
	users = o.replayable(users)

	var (
		mu    sync.Mutex
		total Result
		g     errgroup.Group
	)
	g.SetLimit(o.cfg.Concurrency)
	for _, userID := range users {
		g.Go(func() error {
			res := o.FlushUser(ctx, userID)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, ctx.Err()
}

// FlushUser synchronously flushes userID's queue, including any follow-up
// passes requested while it runs.
func (o *Orchestrator) FlushUser(ctx context.Context, userID string) Result {
	if !o.acquire(userID) {
		return Result{Deferred: true}
	}
	return o.drain(ctx, userID, func() Result { return o.flushPass(ctx, userID) })
}

// RetryOperation replays a single operation immediately, regardless of its
// position in the queue. It fails with KindOffline while offline. When the
// owning queue is being flushed the replay is left to its follow-up pass.
func (o *Orchestrator) RetryOperation(ctx context.Context, id string) (Result, error) {
	if !o.online() {
		return Result{Offline: true}, apperrors.New(apperrors.KindOffline, apperrors.ErrSyncOffline,
			"retry requires a network connection")
	}

	op, err := o.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !o.signedIn(op.UserID) {
		return Result{SignedOut: true}, apperrors.New(apperrors.KindAuth, apperrors.ErrSyncAuth,
			"operation belongs to a user who is not signed in")
	}

	if !o.acquire(op.UserID) {
		return Result{Deferred: true}, nil
	}
	return o.drain(ctx, op.UserID, func() Result { return o.replay(ctx, op.UserID, id) }), nil
}

// SyncOnLogin runs every registered LoginSyncer. One failing entity type
// does not prevent the others from refreshing; all failures are joined.
func (o *Orchestrator) SyncOnLogin(ctx context.Context) error {
	syncers := o.registry.LoginSyncers()
	types := make([]string, 0, len(syncers))
	for t := range syncers {
		types = append(types, t)
	}
	sort.Strings(types)

	errs := make([]error, len(types))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, entityType := range types {
		g.Go(func() error {
			errs[i] = o.syncOne(ctx, entityType, syncers[entityType])
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every background flush has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops scheduling new flushes. Background flushes stop after the
// operation they are replaying; use Wait to block until they have.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
}

// =====================================================
// Single-flight bookkeeping
// =====================================================

// acquire claims userID's queue. If a flush already owns it, a follow-up
// pass is requested and acquire returns false.
func (o *Orchestrator) acquire(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[userID]; ok {
		f.again = true
		return false
	}
	o.flights[userID] = &flight{}
	return true
}

// release gives up userID's queue unless a follow-up pass was requested
// and keep is true, in which case the caller keeps ownership.
func (o *Orchestrator) release(userID string, keep bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.flights[userID]
	if keep && f != nil && f.again {
		f.again = false
		return true
	}
	delete(o.flights, userID)
	return false
}

func (o *Orchestrator) requestFollowUp(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flights[userID]; ok {
		f.again = true
	}
}

// drain runs first, then full passes while follow-ups are requested.
// The caller must own userID's queue.
func (o *Orchestrator) drain(ctx context.Context, userID string, first func() Result) Result {
	var total Result
	pass := first
	for {
		total.add(pass())
		// A follow-up requested during a pass that found the queue offline
		// or signed out still runs; it re-reads both before replaying.
		if !o.release(userID, ctx.Err() == nil) {
			return total
		}
		pass = func() Result { return o.flushPass(ctx, userID) }
	}
}

func (o *Orchestrator) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == 0 {
		o.idle = make(chan struct{})
	}
	o.active++
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active--
	if o.active == 0 {
		close(o.idle)
	}
}

// =====================================================
// Flush
// =====================================================

// flushPass replays every operation of userID once, in insertion order.
func (o *Orchestrator) flushPass(ctx context.Context, userID string) Result {
	ctx, span := telemetry.StartSpan(ctx, "sync.flush", attribute.String("user.id", userID))
	defer span.End()

	if !o.online() {
		metrics.ObserveFlush("offline")
		return Result{Offline: true}
	}
	if !o.signedIn(userID) {
		metrics.ObserveFlush("signed_out")
		return Result{SignedOut: true}
	}

	ops, err := o.store.ListByUser(ctx, userID)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		metrics.ObserveFlush("error")
		o.logger.Error("Failed to list pending operations", err, map[string]interface{}{"user_id": userID})
		return Result{Errors: 1}
	}
	if len(ops) == 0 {
		metrics.ObserveFlush("empty")
		return Result{}
	}

	var res Result
	for _, snapshot := range ops {
		if ctx.Err() != nil {
			break
		}
		if !o.online() {
			res.Offline = true
			break
		}
		if !o.signedIn(userID) {
			res.SignedOut = true
			break
		}
		res.add(o.replay(ctx, userID, snapshot.ID))
	}

	metrics.ObserveFlush("completed")
	span.SetAttributes(
		attribute.Int("flush.replayed", res.Replayed),
		attribute.Int("flush.failed", res.Failed),
	)
	o.logger.Info("Flush pass completed", map[string]interface{}{
		"user_id":    userID,
		"queued":     len(ops),
		"replayed":   res.Replayed,
		"failed":     res.Failed,
		"superseded": res.Superseded,
	})

	o.queueChanged(ctx, userID)
	return res
}

// replay dispatches operation id to its handler and applies the outcome.
func (o *Orchestrator) replay(ctx context.Context, userID, id string) Result {
	op, err := o.store.Get(ctx, id)
	if apperrors.IsNotFound(err) {
		// removed from the outbox meanwhile
		return Result{}
	}
	if err != nil {
		o.logger.ErrorWithCode("Failed to read pending operation", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"op_id": id})
		return Result{Errors: 1}
	}

	ctx, span := telemetry.StartSpan(ctx, "sync.replay",
		attribute.String("entity.type", op.EntityType),
		attribute.String("entity.id", op.EntityID),
		attribute.String("operation", string(op.Operation)),
		attribute.Int("retries", op.Retries),
	)
	defer span.End()

	fields := map[string]interface{}{
		"op_id":       op.ID,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
		"operation":   string(op.Operation),
		"user_id":     userID,
	}

	h, ok := o.registry.Lookup(op.EntityType)
	if !ok {
		err := apperrors.New(apperrors.KindInternal, apperrors.ErrQueueUnknownEntity,
			"no handler registered for entity type "+op.EntityType)
		telemetry.AddSpanError(ctx, err)
		if _, merr := o.store.MarkFailed(ctx, op.ID, err.Error()); merr != nil && !apperrors.IsNotFound(merr) {
			o.logger.Error("Failed to record replay failure", merr, fields)
		}
		metrics.ObserveReplay(op.EntityType, string(op.Operation), metrics.ResultUnknownHandler, 0)
		o.logger.ErrorWithCode("No handler for queued operation", string(apperrors.ErrQueueUnknownEntity), err, fields)
		return Result{Failed: 1}
	}

	start := time.Now()
	hctx, cancel := o.handlerContext(ctx, userID)
	err = invoke(hctx, h, op.Clone())
	if err != nil && hctx.Err() == context.DeadlineExceeded && !apperrors.IsKind(err, apperrors.KindConflict) {
		err = apperrors.Wrap(apperrors.KindTransient, apperrors.ErrSyncTimeout, "replay timed out", err)
	}
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		removed, rerr := o.store.RemoveIfUnchanged(ctx, op.ID, op.Timestamp)
		if rerr != nil {
			// Stays queued and is replayed again; the entity id keeps it idempotent.
			o.logger.Error("Failed to remove replayed operation", rerr, fields)
			return Result{Errors: 1}
		}
		if !removed {
			if _, gerr := o.store.Get(ctx, op.ID); gerr == nil {
				// The server has the record now; the merged edit must go
				// out as an update or a deduplicating create drops it.
				if op.Operation == models.OperationCreate {
					if _, berr := o.store.Rebase(ctx, op.ID, models.OperationUpdate); berr != nil {
						o.logger.Error("Failed to rebase confirmed create", berr, fields)
						return Result{Errors: 1}
					}
				}
				o.requestFollowUp(userID)
				metrics.ObserveReplay(op.EntityType, string(op.Operation), metrics.ResultSuperseded, elapsed)
				o.logger.Debug("Operation changed during replay, scheduling follow-up", fields)
				return Result{Superseded: 1}
			}
		}

		metrics.ObserveReplay(op.EntityType, string(op.Operation), metrics.ResultSuccess, elapsed)
		o.logger.Info("Operation replayed", fields)
		o.onSuccess(ctx, userID, h, op)
		return Result{Replayed: 1}
	}

	telemetry.AddSpanError(ctx, err)
	metrics.ObserveReplay(op.EntityType, string(op.Operation), metrics.ResultFailure, elapsed)

	failed, merr := o.store.MarkFailed(ctx, op.ID, err.Error())
	switch {
	case merr == nil:
		fields["retries"] = failed.Retries
	case apperrors.IsNotFound(merr):
		// removed from the outbox while in flight
		return Result{Failed: 1}
	default:
		o.logger.Error("Failed to record replay failure", merr, fields)
	}
	fields["error_kind"] = apperrors.KindOf(err).String()
	o.logger.Warn("Operation replay failed", fields)

	o.onError(ctx, userID, h, op, err)
	return Result{Failed: 1}
}

// handlerContext detaches handler calls from cancellation of the flush:
// once dispatched, a call runs until it returns or HandleTimeout expires.
func (o *Orchestrator) handlerContext(ctx context.Context, userID string) (context.Context, context.CancelFunc) {
	hctx := session.WithUser(context.WithoutCancel(ctx), userID)
	if o.cfg.HandleTimeout > 0 {
		return context.WithTimeout(hctx, o.cfg.HandleTimeout)
	}
	return context.WithCancel(hctx)
}

func invoke(ctx context.Context, h Handler, op *models.PendingOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.KindInternal, apperrors.ErrInternal, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return h.Handle(ctx, op)
}

func (o *Orchestrator) onSuccess(ctx context.Context, userID string, h Handler, op *models.PendingOperation) {
	cctx, cancel := o.handlerContext(ctx, userID)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("OnSuccess panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"entity_type": op.EntityType, "entity_id": op.EntityID,
			})
		}
	}()
	h.OnSuccess(cctx, op.EntityType, op.Operation, op.EntityID)
}

func (o *Orchestrator) onError(ctx context.Context, userID string, h Handler, op *models.PendingOperation, cause error) {
	cctx, cancel := o.handlerContext(ctx, userID)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("OnError panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"entity_type": op.EntityType, "entity_id": op.EntityID,
			})
		}
	}()
	if err := h.OnError(cctx, op.EntityType, op.Operation, cause, op.EntityID); err != nil {
		o.logger.Warn("OnError callback failed", map[string]interface{}{
			"entity_type": op.EntityType, "entity_id": op.EntityID, "error": err.Error(),
		})
	}
}

func (o *Orchestrator) syncOne(ctx context.Context, entityType string, ls LoginSyncer) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.login", attribute.String("entity.type", entityType))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.KindInternal, apperrors.ErrInternal,
				fmt.Sprintf("%s login sync panicked: %v", entityType, r))
		}
		if err != nil {
			telemetry.AddSpanError(ctx, err)
			o.logger.Error("Login sync failed", err, map[string]interface{}{"entity_type": entityType})
		}
	}()

	if err := ls.SyncOnLogin(ctx); err != nil {
		return fmt.Errorf("%s: %w", entityType, err)
	}
	return nil
}

// queueChanged publishes queue depth and notifies listeners.
func (o *Orchestrator) queueChanged(ctx context.Context, userID string) {
	if stats, err := o.store.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats.Pending, stats.Failed)
	}
	for _, fn := range o.listeners {
		fn(userID)
	}
}
