// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	healthy bool
	last    time.Time
}

func (s staticChecker) IsHealthy() bool               { return s.healthy }
func (s staticChecker) GetLastHealthCheck() time.Time { return s.last }

func TestHandleHealth(t *testing.T) {
	checked := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name         string
		checker      HealthChecker
		wantUpstream string
		wantLast     bool
	}{
		{name: "no checker", checker: nil, wantUpstream: "unknown"},
		{name: "healthy", checker: staticChecker{healthy: true, last: checked}, wantUpstream: "healthy", wantLast: true},
		{name: "never checked", checker: staticChecker{}, wantUpstream: "unhealthy"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("1.0.0", tt.checker)
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			require.Equal(t, http.StatusOK, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, "1.0.0", resp.Version)
			assert.Equal(t, tt.wantUpstream, resp.Upstream)
			if tt.wantLast {
				require.NotNil(t, resp.LastHealthCheck)
				assert.True(t, checked.Equal(*resp.LastHealthCheck))
			} else {
				assert.Nil(t, resp.LastHealthCheck)
			}
		})
	}
}
