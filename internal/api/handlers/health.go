// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"time"
)

// HealthChecker reports whether the torrent daemon is reachable.
type HealthChecker interface {
	IsHealthy() bool
	GetLastHealthCheck() time.Time
}

type HealthHandler struct {
	version string
	checker HealthChecker
}

func NewHealthHandler(version string, checker HealthChecker) *HealthHandler {
	return &HealthHandler{version: version, checker: checker}
}

type HealthResponse struct {
	Status          string     `json:"status"`
	Version         string     `json:"version"`
	Upstream        string     `json:"upstream"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
}

// HandleHealth always answers 200 while the process serves requests; the
// daemon state is reported in the body.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Upstream: "unknown",
	}

	if h.checker != nil {
		if h.checker.IsHealthy() {
			resp.Upstream = "healthy"
		} else {
			resp.Upstream = "unhealthy"
		}
		if last := h.checker.GetLastHealthCheck(); !last.IsZero() {
			resp.LastHealthCheck = &last
		}
	}

	RespondJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
