// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics provides Prometheus metrics for the file tree service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes.
const (
	RefreshParsed    = "parsed"
	RefreshUpdated   = "updated"
	RefreshUnchanged = "unchanged"
	RefreshReparsed  = "reparsed"
	RefreshFailed    = "error"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quifiles_tree_sessions_active",
			Help: "Number of cached torrent file trees",
		},
	)

	treeFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quifiles_tree_files",
			Help: "Number of file leaves across all cached trees",
		},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quifiles_tree_refresh_total",
			Help: "Total tree refreshes by outcome",
		},
		[]string{"result"},
	)

	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quifiles_tree_refresh_duration_seconds",
			Help:    "Time to fetch a snapshot and apply it to a tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quifiles_tree_mutations_total",
			Help: "Total wanted and priority mutations sent to the daemon",
		},
		[]string{"kind", "status"},
	)

	filesChangedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quifiles_tree_files_changed_total",
			Help: "Total files whose wanted flag or priority was changed",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quifiles_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quifiles_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// SetSessions records the number of cached trees and their total file count.
func SetSessions(sessions, files int) {
	sessionsActive.Set(float64(sessions))
	treeFiles.Set(float64(files))
}

// RecordRefresh records one refresh attempt.
func RecordRefresh(result string, duration time.Duration) {
	refreshTotal.WithLabelValues(result).Inc()
	refreshDuration.Observe(duration.Seconds())
}

// RecordMutation records a wanted ("wanted") or priority ("priority") change.
func RecordMutation(kind string, files int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	mutationsTotal.WithLabelValues(kind, status).Inc()
	if success {
		filesChangedTotal.WithLabelValues(kind).Add(float64(files))
	}
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
