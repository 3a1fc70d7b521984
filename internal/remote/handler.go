// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cardinalhq/confkeeper/internal/integrity"
	"github.com/cardinalhq/confkeeper/internal/layers"
	"github.com/cardinalhq/confkeeper/internal/logctx"
	"github.com/cardinalhq/confkeeper/internal/nodes"
	"github.com/cardinalhq/confkeeper/internal/refindex"
	"github.com/cardinalhq/confkeeper/internal/storage"
)

const maxBodySize = 64 << 20

// Service is what the handler exposes.
type Service interface {
	GetConfigurationRoot(ctx context.Context) (map[string]any, error)
	GetConfigurationNode(ctx context.Context, path nodes.Path) (any, error)
	PersistNode(ctx context.Context, path nodes.Path, node any) error
	RemoveNode(ctx context.Context, path nodes.Path) error
	ImportTree(ctx context.Context, path nodes.Path, node any) error
	ResolveUUID(ctx context.Context, uuid string) (nodes.Path, bool, error)
}

type pathResponse struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler serves svc under /config.
func NewHandler(svc Service) http.Handler {
	h := &handler{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config/ping", h.ping)
	mux.HandleFunc("GET /config/exportFullConfiguration", h.export)
	mux.HandleFunc("POST /config/importFullConfiguration", h.importFull)
	mux.HandleFunc("GET /config/pathByUUID/{uuid}", h.pathByUUID)
	mux.HandleFunc("GET /config/node", h.getNode)
	mux.HandleFunc("POST /config/node", h.persistNode)
	mux.HandleFunc("DELETE /config/node", h.removeNode)
	return mux
}

type handler struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	var (
		depth     *storage.InvalidPathDepthError
		dup       *refindex.DuplicateReferenceError
		conflict  *layers.ConflictError
		violation *integrity.IntegrityViolationError
	)
	switch {
	case errors.As(err, &depth):
		return http.StatusBadRequest
	case errors.As(err, &dup), errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		logctx.FromContext(r.Context()).Error("Configuration request failed",
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handler) path(w http.ResponseWriter, r *http.Request) (nodes.Path, bool) {
	p, err := nodes.Parse(r.URL.Query().Get("path"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return nil, false
	}
	return p, true
}

func (h *handler) body(w http.ResponseWriter, r *http.Request) (any, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return nil, false
	}
	node, err := decodeNode(data)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return nil, false
	}
	return node, true
}

func (h *handler) ping(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	root, err := h.svc.GetConfigurationRoot(r.Context())
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (h *handler) importFull(w http.ResponseWriter, r *http.Request) {
	node, ok := h.body(w, r)
	if !ok {
		return
	}
	if _, isMap := node.(map[string]any); !isMap {
		h.fail(w, r, http.StatusBadRequest, errors.New("configuration root must be an object"))
		return
	}
	if err := h.svc.ImportTree(r.Context(), nodes.Path{}, node); err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) pathByUUID(w http.ResponseWriter, r *http.Request) {
	p, ok, err := h.svc.ResolveUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, pathResponse{Path: p.String()})
}

func (h *handler) getNode(w http.ResponseWriter, r *http.Request) {
	p, ok := h.path(w, r)
	if !ok {
		return
	}
	node, err := h.svc.GetConfigurationNode(r.Context(), p)
	if err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	if node == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *handler) persistNode(w http.ResponseWriter, r *http.Request) {
	p, ok := h.path(w, r)
	if !ok {
		return
	}
	node, ok := h.body(w, r)
	if !ok {
		return
	}
	if err := h.svc.PersistNode(r.Context(), p, node); err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) removeNode(w http.ResponseWriter, r *http.Request) {
	p, ok := h.path(w, r)
	if !ok {
		return
	}
	if err := h.svc.RemoveNode(r.Context(), p); err != nil {
		h.fail(w, r, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
