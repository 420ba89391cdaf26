// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filetrees keeps one cached file tree per torrent, re-synchronizes
// it against the daemon and forwards wanted/priority changes.
package filetrees

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/avast/retry-go"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qui-files/internal/filetree"
	"github.com/autobrr/qui-files/internal/metrics"
)

var (
	// ErrUpstream wraps failures talking to the torrent daemon.
	ErrUpstream = errors.New("torrent daemon request failed")
	// ErrInvalidFilter is returned for filter expressions that do not compile.
	ErrInvalidFilter = errors.New("invalid filter expression")
	ErrHashRequired  = errors.New("torrent hash is required")
	// ErrPriorityUnsupported is returned for priorities the daemon cannot store.
	ErrPriorityUnsupported = errors.New("file priority not supported by the torrent daemon")
)

// SnapshotSource is the daemon side of a file tree.
type SnapshotSource interface {
	Snapshot(ctx context.Context, hash string) (filetree.Snapshot, error)
	SetFilesWanted(ctx context.Context, hash string, indexes []int, wanted bool) error
	SetFilesPriority(ctx context.Context, hash string, indexes []int, p filetree.Priority) error
}

// PrioritySupporter is implemented by sources that only store some
// priority levels.
type PrioritySupporter interface {
	SupportsPriority(p filetree.Priority) bool
}

type Config struct {
	// PollInterval of zero disables background refreshes.
	PollInterval time.Duration
	// IdleTTL drops trees nobody asked for within the window.
	IdleTTL       time.Duration
	FetchAttempts uint
	FetchDelay    time.Duration
	// Concurrency bounds parallel refreshes during a poll.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		IdleTTL:       10 * time.Minute,
		FetchAttempts: 3,
		FetchDelay:    500 * time.Millisecond,
		Concurrency:   4,
	}
}

type session struct {
	mu          sync.Mutex
	hash        string
	tree        *filetree.CachedFileTree
	fingerprint uint64
	refreshedAt time.Time
	lastAccess  atomic.Int64
	files       atomic.Int64
}

func (s *session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastAccess.Load()))
}

type Service struct {
	cfg      Config
	source   SnapshotSource
	sessions *ttlcache.Cache[string, *session]
	programs *ttlcache.Cache[string, *vm.Program]
	createMu sync.Mutex
	started  atomic.Bool
}

func NewService(source SnapshotSource, cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaults.IdleTTL
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = defaults.FetchAttempts
	}
	if cfg.FetchDelay <= 0 {
		cfg.FetchDelay = defaults.FetchDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	return &Service{
		cfg:    cfg,
		source: source,
		sessions: ttlcache.New(ttlcache.Options[string, *session]{}.
			SetDefaultTTL(cfg.IdleTTL)),
		programs: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.
			SetDefaultTTL(5 * time.Minute)),
	}
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// sessionFor returns the session of a torrent, creating an empty one on
// first use, and marks it as accessed.
func (s *Service) sessionFor(hash string) *session {
	now := time.Now()

	s.createMu.Lock()
	defer s.createMu.Unlock()

	sess, ok := s.sessions.Get(hash)
	if !ok {
		sess = &session{hash: hash}
	}
	sess.touch(now)
	s.sessions.Set(hash, sess, ttlcache.DefaultTTL)
	return sess
}

// Refresh fetches a fresh snapshot and applies it. It returns the refresh
// outcome, one of the metrics.Refresh* values.
func (s *Service) Refresh(ctx context.Context, hash string) (string, error) {
	hash = normalizeHash(hash)
	if hash == "" {
		return "", ErrHashRequired
	}

	sess := s.sessionFor(hash)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return s.refreshLocked(ctx, sess)
}

func (s *Service) refreshLocked(ctx context.Context, sess *session) (string, error) {
	start := time.Now()

	result, err := s.applySnapshotLocked(ctx, sess)
	if err != nil {
		metrics.RecordRefresh(metrics.RefreshFailed, time.Since(start))
		if sess.tree == nil || !sess.tree.Initialized() {
			s.evict(sess.hash, sess, "first refresh failed")
		}
		return "", err
	}

	sess.refreshedAt = time.Now()
	sess.files.Store(int64(sess.tree.FileCount()))
	metrics.RecordRefresh(result, time.Since(start))

	log.Trace().
		Str("hash", sess.hash).
		Str("result", result).
		Int("files", sess.tree.FileCount()).
		Dur("took", time.Since(start)).
		Msg("Refreshed file tree")

	return result, nil
}

func (s *Service) applySnapshotLocked(ctx context.Context, sess *session) (string, error) {
	snap, err := s.fetch(ctx, sess.hash)
	if err != nil {
		return "", err
	}

	fp := Fingerprint(snap)
	verbose := len(snap.Stats) > 0

	if sess.tree == nil || !sess.tree.Initialized() {
		tree := filetree.New(snap.Identity)
		if err := tree.Parse(snap, verbose); err != nil {
			return "", fmt.Errorf("parse %s: %w", sess.hash, err)
		}
		sess.tree = tree
		sess.fingerprint = fp
		return metrics.RefreshParsed, nil
	}

	if fp == sess.fingerprint {
		return metrics.RefreshUnchanged, nil
	}

	err = sess.tree.Update(snap)
	switch {
	case err == nil:
		sess.fingerprint = fp
		return metrics.RefreshUpdated, nil
	case errors.Is(err, filetree.ErrIdentityMismatch):
		// The file list changed under us. Same torrent: rebuild in place so
		// expansion survives. Different torrent: start over.
		tree := sess.tree
		if !tree.Identity().Equal(snap.Identity) {
			tree = filetree.New(snap.Identity)
		}
		if perr := tree.Parse(snap, verbose); perr != nil {
			return "", fmt.Errorf("reparse %s: %w", sess.hash, perr)
		}

		log.Debug().Err(err).Str("hash", sess.hash).Msg("File list changed, rebuilt file tree")

		sess.tree = tree
		sess.fingerprint = fp
		return metrics.RefreshReparsed, nil
	default:
		return "", fmt.Errorf("update %s: %w", sess.hash, err)
	}
}

func (s *Service) fetch(ctx context.Context, hash string) (filetree.Snapshot, error) {
	var snap filetree.Snapshot

	err := retry.Do(
		func() error {
			var err error
			snap, err = s.source.Snapshot(ctx, hash)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.FetchAttempts),
		retry.Delay(s.cfg.FetchDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("hash", hash).Uint("attempt", n+1).Msg("Retrying torrent file fetch")
		}),
	)
	if err != nil {
		return filetree.Snapshot{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	return snap, nil
}

// withTree runs fn with the session locked and its tree built, fetching the
// first snapshot if needed.
func (s *Service) withTree(ctx context.Context, hash string, fn func(sess *session) error) error {
	hash = normalizeHash(hash)
	if hash == "" {
		return ErrHashRequired
	}

	sess := s.sessionFor(hash)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.tree == nil || !sess.tree.Initialized() {
		if _, err := s.refreshLocked(ctx, sess); err != nil {
			return err
		}
	}

	return fn(sess)
}

// Drop forgets the cached tree of a torrent. It reports whether one existed.
func (s *Service) Drop(hash string) bool {
	hash = normalizeHash(hash)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, ok := s.sessions.Get(hash); !ok {
		return false
	}
	s.sessions.Delete(hash)
	return true
}

// Hashes lists the torrents with a cached tree.
func (s *Service) Hashes() []string {
	return s.sessions.GetKeys()
}

// Start launches the background poller. It stops when ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.PollInterval <= 0 {
		log.Info().Msg("File tree polling disabled")
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	log.Info().Dur("interval", s.cfg.PollInterval).Dur("idleTTL", s.cfg.IdleTTL).Msg("Starting file tree poller")

	go s.loop(ctx)
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("File tree poller stopped")
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("File tree poll failed")
			}
		}
	}
}

// RefreshAll refreshes every cached tree that is still in use and evicts
// the idle ones. Individual refresh failures are logged, not returned.
func (s *Service) RefreshAll(ctx context.Context) error {
	now := time.Now()

	var active []*session
	for _, hash := range s.sessions.GetKeys() {
		sess, ok := s.sessions.Get(hash)
		if !ok {
			continue
		}
		if sess.idleSince(now) > s.cfg.IdleTTL {
			s.evict(hash, sess, "idle")
			continue
		}
		active = append(active, sess)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, sess := range active {
		g.Go(func() error {
			sess.mu.Lock()
			defer sess.mu.Unlock()

			if _, err := s.refreshLocked(gctx, sess); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Warn().Err(err).Str("hash", sess.hash).Msg("Failed to refresh file tree")
			}
			return nil
		})
	}

	err := g.Wait()
	s.recordSessionMetrics()
	return err
}

func (s *Service) evict(hash string, sess *session, reason string) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	if current, ok := s.sessions.Get(hash); ok && current == sess {
		s.sessions.Delete(hash)
		log.Debug().Str("hash", hash).Str("reason", reason).Msg("Evicted file tree")
	}
}

func (s *Service) recordSessionMetrics() {
	keys := s.sessions.GetKeys()
	files := 0
	for _, hash := range keys {
		if sess, ok := s.sessions.Get(hash); ok {
			files += int(sess.files.Load())
		}
	}
	metrics.SetSessions(len(keys), files)
}

func (s *Service) Close() {
	s.sessions.Close()
	s.programs.Close()
}
