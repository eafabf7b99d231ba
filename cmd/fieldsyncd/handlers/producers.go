// Package handlers provides REST API handlers for the reference entities.
package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/outbox"
	"github.com/agrilink/fieldsync/backend/internal/producer"
)

// ProducerService is what the producer endpoints need.
type ProducerService interface {
	List(ctx context.Context, opts producer.ListOptions) ([]models.Producer, error)
	Get(ctx context.Context, id string) (*models.Producer, error)
	Create(ctx context.Context, in producer.CreateInput) (*models.Producer, error)
	Update(ctx context.Context, id string, patch models.Payload) (*models.PendingOperation, error)
	Activate(ctx context.Context, id string) (*models.Producer, error)
	Deactivate(ctx context.Context, id string) (*models.Producer, error)
}

// ProducerHandler handles producer endpoints.
type ProducerHandler struct {
	service ProducerService
}

// NewProducerHandler creates a new ProducerHandler.
func NewProducerHandler(service ProducerService) *ProducerHandler {
	return &ProducerHandler{service: service}
}

// Register mounts the producer routes on api.
func (h *ProducerHandler) Register(api *mux.Router) {
	api.HandleFunc("/producers", h.List).Methods(http.MethodGet)
	api.HandleFunc("/producers", h.Create).Methods(http.MethodPost)
	api.HandleFunc("/producers/{id}", h.Get).Methods(http.MethodGet)
	api.HandleFunc("/producers/{id}", h.Update).Methods(http.MethodPut)
	api.HandleFunc("/producers/{id}/activate", h.Activate).Methods(http.MethodPatch)
	api.HandleFunc("/producers/{id}/deactivate", h.Deactivate).Methods(http.MethodPatch)
}

// List handles GET /producers?status=&q=
func (h *ProducerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := producer.ListOptions{
		Status: models.ProducerStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("q"),
	}
	switch opts.Status {
	case "", models.ProducerActive, models.ProducerInactive:
	default:
		http.Error(w, "status must be active or inactive", http.StatusBadRequest)
		return
	}

	list, err := h.service.List(r.Context(), opts)
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	if list == nil {
		list = []models.Producer{}
	}
	outbox.RespondJSON(w, http.StatusOK, list)
}

// Get handles GET /producers/{id}
func (h *ProducerHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusOK, p)
}

// Create handles POST /producers. The producer is queued, so the response
// carries the client-generated id and pending=true.
func (h *ProducerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in producer.CreateInput
	if err := outbox.DecodeBody(r, &in); err != nil {
		outbox.RespondError(w, err)
		return
	}

	p, err := h.service.Create(r.Context(), in)
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusAccepted, p)
}

// Update handles PUT /producers/{id} with a partial payload.
func (h *ProducerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch models.Payload
	if err := outbox.DecodeBody(r, &patch); err != nil {
		outbox.RespondError(w, err)
		return
	}

	op, err := h.service.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusAccepted, op)
}

// Activate handles PATCH /producers/{id}/activate. It needs connectivity.
func (h *ProducerHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Activate)
}

// Deactivate handles PATCH /producers/{id}/deactivate. It needs connectivity.
func (h *ProducerHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Deactivate)
}

func (h *ProducerHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Producer, error)) {
	p, err := fn(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusOK, p)
}
