package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/service"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/httputil"
	"github.com/medflow/medcode/pkg/logger"
)

// MasterHandler handles master registry endpoints
type MasterHandler struct {
	registry *service.Registry
	logger   *logger.Logger
}

// NewMasterHandler creates a new master handler
func NewMasterHandler(registry *service.Registry, log *logger.Logger) *MasterHandler {
	return &MasterHandler{
		registry: registry,
		logger:   log,
	}
}

type createMasterRequest struct {
	Classification string             `json:"classification" validate:"required"`
	Names          domain.MasterNames `json:"names"`
}

// List lists registry entries, optionally filtered by ?active=
func (h *MasterHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter domain.MasterFilter
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			httputil.Error(w, errors.BadRequest("active must be true or false"))
			return
		}
		filter.Active = &active
	}

	entries, err := h.registry.List(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.List(w, entries)
}

// Create registers a classification
func (h *MasterHandler) Create(w http.ResponseWriter, r *http.Request) {
	createdBy, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req createMasterRequest
	if err := decodeAndValidate(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	key, err := format.ParseKey(req.Classification)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.registry.Create(r.Context(), service.CreateMasterRequest{
		Key:       key,
		Names:     req.Names,
		CreatedBy: createdBy,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, entry)
}

// Get gets a registry entry by classification
func (h *MasterHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := format.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.registry.Get(r.Context(), key)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entry)
}

// Deactivate stops code generation for a classification
func (h *MasterHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Activate re-enables a classification
func (h *MasterHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *MasterHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	by, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	key, err := format.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var entry *domain.MasterEntry
	if active {
		entry, err = h.registry.Activate(r.Context(), key)
	} else {
		entry, err = h.registry.Deactivate(r.Context(), key)
	}
	if err != nil {
		httputil.Error(w, err)
		return
	}

	h.logger.Info().
		Str("classification", key.String()).
		Bool("active", active).
		Str("actor", by).
		Msg("classification activation changed via API")

	httputil.JSON(w, http.StatusOK, entry)
}
