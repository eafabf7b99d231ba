package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agrilink/fieldsync/backend/internal/models"
	"github.com/agrilink/fieldsync/backend/internal/outbox"
)

// LocationService is what the location endpoints need.
type LocationService interface {
	Tree(ctx context.Context) ([]models.Location, error)
	Get(ctx context.Context, code string) (*models.Location, error)
	Children(ctx context.Context, parentCode string) ([]models.Location, error)
	Membership(ctx context.Context, code string) (models.Location, error)
	Rename(ctx context.Context, code, name string) (*models.PendingOperation, error)
	AssignBasins(ctx context.Context, code string, basins []models.BasinRef) ([]models.Location, error)
}

// LocationHandler handles location endpoints.
type LocationHandler struct {
	service LocationService
}

// NewLocationHandler creates a new LocationHandler.
func NewLocationHandler(service LocationService) *LocationHandler {
	return &LocationHandler{service: service}
}

// Register mounts the location routes on api.
func (h *LocationHandler) Register(api *mux.Router) {
	api.HandleFunc("/locations", h.Tree).Methods(http.MethodGet)
	api.HandleFunc("/locations/{code}", h.Get).Methods(http.MethodGet)
	api.HandleFunc("/locations/{code}", h.Rename).Methods(http.MethodPut)
	api.HandleFunc("/locations/{code}/children", h.Children).Methods(http.MethodGet)
	api.HandleFunc("/locations/{code}/membership", h.Membership).Methods(http.MethodGet)
	api.HandleFunc("/locations/{code}/basins", h.AssignBasins).Methods(http.MethodPut)
}

func respondLocations(w http.ResponseWriter, list []models.Location, err error) {
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	if list == nil {
		list = []models.Location{}
	}
	outbox.RespondJSON(w, http.StatusOK, list)
}

// Tree handles GET /locations
func (h *LocationHandler) Tree(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Tree(r.Context())
	respondLocations(w, list, err)
}

// Get handles GET /locations/{code}
func (h *LocationHandler) Get(w http.ResponseWriter, r *http.Request) {
	loc, err := h.service.Get(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusOK, loc)
}

// Children handles GET /locations/{code}/children
func (h *LocationHandler) Children(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Children(r.Context(), mux.Vars(r)["code"])
	respondLocations(w, list, err)
}

// Membership handles GET /locations/{code}/membership
func (h *LocationHandler) Membership(w http.ResponseWriter, r *http.Request) {
	loc, err := h.service.Membership(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusOK, loc)
}

// Rename handles PUT /locations/{code} with {"name": ...}
func (h *LocationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := outbox.DecodeBody(r, &req); err != nil {
		outbox.RespondError(w, err)
		return
	}

	op, err := h.service.Rename(r.Context(), mux.Vars(r)["code"], req.Name)
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusAccepted, op)
}

// AssignBasins handles PUT /locations/{code}/basins. The response is the
// tree as it will look once the change is confirmed.
func (h *LocationHandler) AssignBasins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Basins []models.BasinRef `json:"basins"`
	}
	if err := outbox.DecodeBody(r, &req); err != nil {
		outbox.RespondError(w, err)
		return
	}

	preview, err := h.service.AssignBasins(r.Context(), mux.Vars(r)["code"], req.Basins)
	if err != nil {
		outbox.RespondError(w, err)
		return
	}
	outbox.RespondJSON(w, http.StatusAccepted, preview)
}
