// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-files/internal/filetree"
	"github.com/autobrr/qui-files/internal/services/filetrees"
)

// fileTreeService is the subset of filetrees.Service the handler needs (used for testing)
type fileTreeService interface {
	Tree(ctx context.Context, hash string, opts filetrees.ListOptions) (*filetrees.TreeView, error)
	Node(ctx context.Context, hash, fullPath string) (filetree.NodeView, error)
	ChildIndexes(ctx context.Context, hash, fullPath string) ([]int, error)
	Search(ctx context.Context, hash, query string, limit int) ([]filetrees.SearchResult, error)
	SetWanted(ctx context.Context, hash, fullPath string, wanted bool) ([]int, error)
	SetPriority(ctx context.Context, hash, fullPath string, p filetree.Priority) ([]int, error)
	SetExpanded(ctx context.Context, hash, fullPath string, expanded bool) error
	ExpandAll(ctx context.Context, hash string) error
	CollapseAll(ctx context.Context, hash string) error
	SetSelected(ctx context.Context, hash string, paths []string, selected bool) ([]string, error)
	ClearSelection(ctx context.Context, hash string) error
	Drop(hash string) bool
}

type FileTreeHandler struct {
	service fileTreeService
}

func NewFileTreeHandler(service fileTreeService) *FileTreeHandler {
	return &FileTreeHandler{service: service}
}

func (h *FileTreeHandler) Routes(r chi.Router) {
	r.Route("/torrents/{hash}/filetree", func(r chi.Router) {
		r.Get("/", h.GetTree)
		r.Delete("/", h.DropTree)
		r.Get("/node", h.GetNode)
		r.Get("/indexes", h.GetIndexes)
		r.Get("/search", h.Search)
		r.Put("/wanted", h.SetWanted)
		r.Put("/priority", h.SetPriority)
		r.Put("/expanded", h.SetExpanded)
		r.Put("/expand-all", h.ExpandAll)
		r.Put("/collapse-all", h.CollapseAll)
		r.Put("/selected", h.SetSelected)
		r.Delete("/selected", h.ClearSelection)
	})
}

func mapFileTreeErrorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, filetrees.ErrHashRequired):
		return http.StatusBadRequest
	case errors.Is(err, filetree.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, filetree.ErrInvalidIndex),
		errors.Is(err, filetrees.ErrInvalidFilter),
		errors.Is(err, filetrees.ErrPriorityUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, filetree.ErrIdentityMismatch):
		return http.StatusConflict
	case errors.Is(err, filetrees.ErrUpstream),
		errors.Is(err, filetree.ErrMalformedSnapshot):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *FileTreeHandler) respondServiceError(w http.ResponseWriter, err error, hash, op string) {
	status := mapFileTreeErrorStatus(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("hash", hash).Str("op", op).Int("status", status).Msg("File tree request failed")
	RespondError(w, status, err.Error())
}

func hashParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Torrent hash is required")
		return "", false
	}
	return hash, true
}

func boolQuery(r *http.Request, key string) bool {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	parsed, err := strconv.ParseBool(v)
	return err == nil && parsed
}

// GetTree refreshes and returns the visible rows of a torrent's file tree.
// The ETag changes whenever the rendered rows change.
func (h *FileTreeHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	opts := filetrees.ListOptions{
		All:    boolQuery(r, "all"),
		Filter: strings.TrimSpace(r.URL.Query().Get("filter")),
	}

	view, err := h.service.Tree(r.Context(), hash, opts)
	if err != nil {
		h.respondServiceError(w, err, hash, "tree")
		return
	}

	body, err := json.Marshal(view)
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("Failed to encode file tree")
		RespondError(w, http.StatusInternalServerError, "Failed to encode file tree")
		return
	}

	etag := fmt.Sprintf(`"%s-%016x"`, view.Fingerprint, xxhash.Sum64(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *FileTreeHandler) DropTree(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	if !h.service.Drop(hash) {
		RespondError(w, http.StatusNotFound, "File tree not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileTreeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	node, err := h.service.Node(r.Context(), hash, r.URL.Query().Get("path"))
	if err != nil {
		h.respondServiceError(w, err, hash, "node")
		return
	}
	RespondJSON(w, http.StatusOK, node)
}

type IndexesResponse struct {
	Indexes []int `json:"indexes"`
}

func (h *FileTreeHandler) GetIndexes(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	indexes, err := h.service.ChildIndexes(r.Context(), hash, r.URL.Query().Get("path"))
	if err != nil {
		h.respondServiceError(w, err, hash, "indexes")
		return
	}
	if indexes == nil {
		indexes = []int{}
	}
	RespondJSON(w, http.StatusOK, IndexesResponse{Indexes: indexes})
}

func (h *FileTreeHandler) Search(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		RespondError(w, http.StatusBadRequest, "Search query is required")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	results, err := h.service.Search(r.Context(), hash, query, limit)
	if err != nil {
		h.respondServiceError(w, err, hash, "search")
		return
	}
	if results == nil {
		results = []filetrees.SearchResult{}
	}
	RespondJSON(w, http.StatusOK, results)
}

type SetWantedRequest struct {
	Path   string `json:"path"`
	Wanted bool   `json:"wanted"`
}

func (h *FileTreeHandler) SetWanted(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	var req SetWantedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	changed, err := h.service.SetWanted(r.Context(), hash, req.Path, req.Wanted)
	if err != nil {
		h.respondServiceError(w, err, hash, "wanted")
		return
	}
	if changed == nil {
		changed = []int{}
	}
	RespondJSON(w, http.StatusOK, IndexesResponse{Indexes: changed})
}

type SetPriorityRequest struct {
	Path     string            `json:"path"`
	Priority filetree.Priority `json:"priority"`
}

func (h *FileTreeHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	var req SetPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	changed, err := h.service.SetPriority(r.Context(), hash, req.Path, req.Priority)
	if err != nil {
		h.respondServiceError(w, err, hash, "priority")
		return
	}
	if changed == nil {
		changed = []int{}
	}
	RespondJSON(w, http.StatusOK, IndexesResponse{Indexes: changed})
}

type SetExpandedRequest struct {
	Path     string `json:"path"`
	Expanded bool   `json:"expanded"`
}

func (h *FileTreeHandler) SetExpanded(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	var req SetExpandedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.SetExpanded(r.Context(), hash, req.Path, req.Expanded); err != nil {
		h.respondServiceError(w, err, hash, "expanded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileTreeHandler) ExpandAll(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	if err := h.service.ExpandAll(r.Context(), hash); err != nil {
		h.respondServiceError(w, err, hash, "expand-all")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileTreeHandler) CollapseAll(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	if err := h.service.CollapseAll(r.Context(), hash); err != nil {
		h.respondServiceError(w, err, hash, "collapse-all")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SetSelectedRequest struct {
	Paths    []string `json:"paths"`
	Selected bool     `json:"selected"`
}

type SelectionResponse struct {
	Selected []string `json:"selected"`
}

func (h *FileTreeHandler) SetSelected(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	var req SetSelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		RespondError(w, http.StatusBadRequest, "At least one path must be provided")
		return
	}

	selected, err := h.service.SetSelected(r.Context(), hash, req.Paths, req.Selected)
	if err != nil {
		h.respondServiceError(w, err, hash, "selected")
		return
	}
	if selected == nil {
		selected = []string{}
	}
	RespondJSON(w, http.StatusOK, SelectionResponse{Selected: selected})
}

func (h *FileTreeHandler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearSelection(r.Context(), hash); err != nil {
		h.respondServiceError(w, err, hash, "clear-selection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
