package outbox

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/sync"
	"github.com/agrilink/fieldsync/backend/internal/sync/queue"
)

// Flusher replays every queued operation.
type Flusher interface {
	Flush(ctx context.Context) (sync.Result, error)
}

// SessionController is the write side of the session the local API drives
// on behalf of the auth layer.
type SessionController interface {
	UserID() string
	IsOnline() bool
	SignIn(userID, token string)
	SignOut()
	SetOnline(online bool) bool
}

// APIConfig wires the local HTTP API.
type APIConfig struct {
	Outbox  *Service
	Flusher Flusher
	Session SessionController
	// OnLogin runs after a sign-in, typically Scheduler.OnLogin.
	OnLogin func(ctx context.Context) error
	// Events serves the WebSocket event stream. Optional.
	Events http.Handler
	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler
	// Routes registers further endpoints on the /api subrouter.
	Routes []func(api *mux.Router)
	Logger *logging.Logger
}

// API serves the outbox, sync and session endpoints.
type API struct {
	cfg    APIConfig
	logger *logging.Logger
}

// NewRouter builds the HTTP router for the local API.
func NewRouter(cfg APIConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Get().Named("api")
	}
	a := &API{cfg: cfg, logger: logger}

	r := mux.NewRouter()
	r.Use(TracingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))

	r.HandleFunc("/api/health", a.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/outbox", a.listOutbox).Methods(http.MethodGet)
	api.HandleFunc("/outbox/stats", a.outboxStats).Methods(http.MethodGet)
	api.HandleFunc("/outbox/delete", a.deleteMany).Methods(http.MethodPost)
	api.HandleFunc("/outbox/retry", a.retryMany).Methods(http.MethodPost)
	api.HandleFunc("/outbox/{id}", a.deleteOne).Methods(http.MethodDelete)
	api.HandleFunc("/outbox/{id}/retry", a.retryOne).Methods(http.MethodPost)
	api.HandleFunc("/sync/flush", a.flush).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", a.setConnectivity).Methods(http.MethodPost)
	api.HandleFunc("/session", a.signIn).Methods(http.MethodPost)
	api.HandleFunc("/session", a.signOut).Methods(http.MethodDelete)
	for _, register := range cfg.Routes {
		register(api)
	}

	if cfg.Events != nil {
		r.Handle("/ws/events", cfg.Events)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	return r
}

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// RespondJSON writes data in a success envelope.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: false, Message: message})
}

// StatusFor maps an error kind to the HTTP status of the local API.
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindAuth:
		return http.StatusUnauthorized
	case apperrors.KindOffline:
		return http.StatusServiceUnavailable
	case apperrors.KindTransient:
		return http.StatusBadGateway
	case apperrors.KindStorage, apperrors.KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(apperrors.KindOf(err)) >= http.StatusInternalServerError {
		a.logger.Error("Request failed", err, map[string]interface{}{
			"request_id": RequestID(r.Context()),
			"path":       r.URL.Path,
		})
	}
	RespondError(w, err)
}

// RespondError writes err in a failure envelope with the status of its kind.
// Conflict and validation messages are passed through to the caller.
func RespondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(apperrors.KindOf(err)))
	res := response{Success: false, Message: apperrors.UserMessage(err)}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		res.Code = string(appErr.Code)
	}
	_ = json.NewEncoder(w).Encode(res)
}

// DecodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"online":   a.cfg.Session.IsOnline(),
		"signedIn": a.cfg.Session.UserID() != "",
	})
}

func parseFilter(r *http.Request) (queue.ListFilter, error) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		EntityType: q.Get("entityType"),
		Search:     q.Get("q"),
	}

	if op := q.Get("operation"); op != "" {
		filter.Operation = models.OperationKind(strings.ToLower(op))
		if !filter.Operation.Valid() {
			return filter, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation,
				"operation must be create or update")
		}
	}

	switch status := models.OperationStatus(strings.ToLower(q.Get("status"))); status {
	case "":
	case models.StatusPending, models.StatusFailed:
		filter.Status = status
	default:
		return filter, apperrors.New(apperrors.KindValidation, apperrors.ErrValidation,
			"status must be pending or failed")
	}
	return filter, nil
}

func (a *API) listOutbox(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ops, err := a.cfg.Outbox.List(r.Context(), a.cfg.Session.UserID(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if ops == nil {
		ops = []*models.PendingOperation{}
	}
	RespondJSON(w, http.StatusOK, ops)
}

func (a *API) outboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.cfg.Outbox.Stats(r.Context(), a.cfg.Session.UserID())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) deleteMany(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	a.delete(w, r, req.IDs)
}

func (a *API) deleteOne(w http.ResponseWriter, r *http.Request) {
	a.delete(w, r, []string{mux.Vars(r)["id"]})
}

func (a *API) delete(w http.ResponseWriter, r *http.Request, ids []string) {
	n, err := a.cfg.Outbox.Delete(r.Context(), a.cfg.Session.UserID(), ids)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (a *API) retryMany(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	a.retry(w, r, req.IDs)
}

func (a *API) retryOne(w http.ResponseWriter, r *http.Request) {
	a.retry(w, r, []string{mux.Vars(r)["id"]})
}

func (a *API) retry(w http.ResponseWriter, r *http.Request, ids []string) {
	res, err := a.cfg.Outbox.Retry(r.Context(), a.cfg.Session.UserID(), ids)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Scheduled {
		status = http.StatusAccepted
	}
	RespondJSON(w, status, res)
}

func (a *API) flush(w http.ResponseWriter, r *http.Request) {
	res, err := a.cfg.Flusher.Flush(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

func (a *API) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}

	changed := a.cfg.Session.SetOnline(*req.Online)
	RespondJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	if err := DecodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "userId and token are required")
		return
	}

	a.cfg.Session.SignIn(req.UserID, req.Token)

	refreshed := true
	if a.cfg.OnLogin != nil {
		if err := a.cfg.OnLogin(r.Context()); err != nil {
			refreshed = false
			a.logger.Warn("Login refresh incomplete", map[string]interface{}{
				"user_id": req.UserID,
				"error":   err.Error(),
			})
		}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"userId": req.UserID, "refreshed": refreshed})
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	a.cfg.Session.SignOut()
	RespondJSON(w, http.StatusOK, nil)
}
