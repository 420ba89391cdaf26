// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

type Server struct {
	server     *http.Server
	basicUsers map[string]string
}

// NewServer builds the metrics server. basicAuthUsers has the form
// "user1:bcrypt_hash1,user2:bcrypt_hash2"; empty disables authentication.
func NewServer(host string, port int, basicAuthUsers string) *Server {
	s := &Server{basicUsers: ParseBasicAuthUsers(basicAuthUsers)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.basicUsers) > 0 {
		r.Use(s.basicAuth)
	}
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Bool("basicAuth", len(s.basicUsers) > 0).Msg("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ParseBasicAuthUsers parses "user:hash" pairs separated by commas. Malformed
// entries are skipped with a warning.
func ParseBasicAuthUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			log.Warn().Str("entry", user).Msg("Ignoring malformed metrics basic auth entry")
			continue
		}
		users[user] = hash
	}
	return users
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			if hash, exists := s.basicUsers[user]; exists && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
