package httpnet

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"replidb/pkg/dberrors"
	"replidb/pkg/network"
	"replidb/pkg/types"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the block exchange of net on r.
func Routes(r chi.Router, net network.Network) {
	h := &handler{net: net}
	r.Get("/blocks/{fp}", h.handleGet)
	r.Put("/blocks", h.handlePut)
}

type handler struct {
	net network.Network
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	fp := types.Fingerprint(chi.URLParam(r, "fp"))
	if !fp.Valid() {
		http.Error(w, "invalid fingerprint", http.StatusBadRequest)
		return
	}

	data, err := h.net.Get(r.Context(), fp)
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		http.Error(w, "block not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("failed to write block response", "fingerprint", fp, "error", err)
	}
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlockSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	fp, err := h.net.Put(r.Context(), data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(putResp{Fingerprint: fp}); err != nil {
		slog.Warn("failed to encode block response", "error", err)
	}
}
