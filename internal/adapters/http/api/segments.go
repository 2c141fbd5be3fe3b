package api

import (
	"net/http"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// SegmentsHandler exposes the segment catalog.
type SegmentsHandler struct {
	deps   Dependencies
	logger logger.Logger
}

type segmentsResponse struct {
	Segments []traffic.Segment `json:"segments"`
	Total    int               `json:"total"`
}

// HandleList handles GET /segments requests.
func (h *SegmentsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	segs := h.deps.Segments()
	writeJSON(w, http.StatusOK, segmentsResponse{Segments: segs, Total: len(segs)})
}

// HandleGet handles GET /segments/{id} requests.
func (h *SegmentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.segment"
	id, err := intParam(r, "id")
	if err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	seg, err := h.deps.Segment(id)
	if err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}
