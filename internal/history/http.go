package history

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/types"
)

// HTTPHandler exposes history rebuilds via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	node   types.NodeID
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /history.
func NewHTTPHandler(svc *Service, node types.NodeID, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, node: node, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	req := Request{Node: h.node}
	if nodeParam := r.URL.Query().Get("node"); nodeParam != "" {
		req.Node = types.NodeID(nodeParam)
	}

	if seqStr := r.URL.Query().Get("at_seq"); seqStr != "" {
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil || seq < 1 {
			http.Error(w, "invalid at_seq", http.StatusBadRequest)
			return
		}
		req.AtSeq = seq
	}

	if atTimeStr := r.URL.Query().Get("at_time"); atTimeStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, atTimeStr)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &parsed
	}

	resp, err := h.svc.StateAt(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("node", string(req.Node)).Msg("history rebuild failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
