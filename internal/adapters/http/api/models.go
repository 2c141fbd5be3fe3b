package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// ModelsHandler reports and switches the served model.
type ModelsHandler struct {
	deps   Dependencies
	logger logger.Logger
}

type switchResponse struct {
	ActiveModel traffic.ModelType `json:"active_model"`
}

// HandleStatus handles GET /models/status requests.
func (h *ModelsHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.ModelStatus())
}

// HandleSwitch handles POST /models/switch/{type} requests.
func (h *ModelsHandler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	active, err := h.deps.Switch(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		writeFailure(r.Context(), h.logger, w, "api.switch_model", err)
		return
	}
	writeJSON(w, http.StatusOK, switchResponse{ActiveModel: active})
}
