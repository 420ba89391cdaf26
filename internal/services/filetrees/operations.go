// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetrees

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-files/internal/filetree"
	"github.com/autobrr/qui-files/internal/metrics"
)

// TreeView is the rendered state of one torrent's file tree.
type TreeView struct {
	Identity    filetree.Identity   `json:"identity"`
	Fingerprint string              `json:"fingerprint"`
	FileCount   int                 `json:"fileCount"`
	Root        filetree.NodeView   `json:"root"`
	Rows        []filetree.NodeView `json:"rows"`
	Unwanted    []int               `json:"unwanted"`
}

type ListOptions struct {
	// All lists every node regardless of expansion.
	All bool
	// Filter is an expression evaluated against each file; when set only
	// matching file rows are returned.
	Filter string
}

// Tree refreshes the tree of a torrent and returns its rows.
func (s *Service) Tree(ctx context.Context, hash string, opts ListOptions) (*TreeView, error) {
	var program *Filter
	if opts.Filter != "" {
		p, err := s.CompileFilter(opts.Filter)
		if err != nil {
			return nil, err
		}
		program = p
	}

	hash = normalizeHash(hash)
	if hash == "" {
		return nil, ErrHashRequired
	}

	sess := s.sessionFor(hash)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := s.refreshLocked(ctx, sess); err != nil {
		if sess.tree == nil || !sess.tree.Initialized() {
			return nil, err
		}
		// Serve the last known state; the next refresh catches up.
		log.Warn().Err(err).Str("hash", hash).Msg("Serving stale file tree")
	}

	tree := sess.tree
	view := &TreeView{
		Identity:    tree.Identity(),
		Fingerprint: FormatFingerprint(sess.fingerprint),
		FileCount:   tree.FileCount(),
		Root:        tree.Root().View(),
		Unwanted:    tree.UnwantedIndexes(),
	}

	switch {
	case program != nil:
		rows, err := program.filterFiles(tree)
		if err != nil {
			return nil, err
		}
		view.Rows = rows
	case opts.All:
		view.Rows = tree.FlattenAll()
	default:
		view.Rows = tree.Flatten()
	}
	if view.Rows == nil {
		view.Rows = []filetree.NodeView{}
	}

	return view, nil
}

// Node returns the aggregate view of one node.
func (s *Service) Node(ctx context.Context, hash, fullPath string) (filetree.NodeView, error) {
	var view filetree.NodeView
	err := s.withTree(ctx, hash, func(sess *session) error {
		node, ok := sess.tree.GetNode(fullPath)
		if !ok {
			return fmt.Errorf("%w: %q", filetree.ErrNotFound, fullPath)
		}
		view = node.View()
		return nil
	})
	return view, err
}

// ChildIndexes returns the flat indexes of every file under a node.
func (s *Service) ChildIndexes(ctx context.Context, hash, fullPath string) ([]int, error) {
	var indexes []int
	err := s.withTree(ctx, hash, func(sess *session) error {
		if _, ok := sess.tree.GetNode(fullPath); !ok {
			return fmt.Errorf("%w: %q", filetree.ErrNotFound, fullPath)
		}
		indexes = sess.tree.GetChildFilesIndexes(fullPath)
		return nil
	})
	return indexes, err
}

// SetWanted toggles every file under a node and pushes the change to the
// daemon. The local change is reverted when the daemon rejects it.
func (s *Service) SetWanted(ctx context.Context, hash, fullPath string, wanted bool) ([]int, error) {
	var changed []int
	err := s.withTree(ctx, hash, func(sess *session) error {
		var err error
		changed, err = sess.tree.ToggleWanted(fullPath, wanted)
		if err != nil || len(changed) == 0 {
			return err
		}

		if err := s.source.SetFilesWanted(ctx, sess.hash, changed, wanted); err != nil {
			metrics.RecordMutation("wanted", len(changed), false)
			if _, rbErr := sess.tree.ApplyWanted(changed, !wanted); rbErr != nil {
				log.Error().Err(rbErr).Str("hash", sess.hash).Msg("Failed to revert wanted toggle")
			}
			changed = nil
			return fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		// The daemon now disagrees with the stored fingerprint; force the
		// next refresh to re-apply.
		sess.fingerprint = 0
		metrics.RecordMutation("wanted", len(changed), true)

		log.Debug().
			Str("hash", sess.hash).
			Str("path", fullPath).
			Bool("wanted", wanted).
			Int("files", len(changed)).
			Msg("Updated wanted files")
		return nil
	})
	return changed, err
}

// SetPriority assigns a priority to every wanted file under a node and
// pushes the change to the daemon. On failure the tree is re-synchronized
// from the daemon.
func (s *Service) SetPriority(ctx context.Context, hash, fullPath string, p filetree.Priority) ([]int, error) {
	if ps, ok := s.source.(PrioritySupporter); ok && !ps.SupportsPriority(p) {
		return nil, fmt.Errorf("%w: %s", ErrPriorityUnsupported, p)
	}

	var changed []int
	err := s.withTree(ctx, hash, func(sess *session) error {
		var err error
		changed, err = sess.tree.SetPriority(fullPath, p)
		if err != nil || len(changed) == 0 {
			return err
		}

		sess.fingerprint = 0
		if err := s.source.SetFilesPriority(ctx, sess.hash, changed, p); err != nil {
			metrics.RecordMutation("priority", len(changed), false)
			if _, rsErr := s.refreshLocked(ctx, sess); rsErr != nil {
				log.Error().Err(rsErr).Str("hash", sess.hash).Msg("Failed to resync file tree after priority error")
			}
			changed = nil
			return fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		metrics.RecordMutation("priority", len(changed), true)
		return nil
	})
	return changed, err
}

func (s *Service) SetExpanded(ctx context.Context, hash, fullPath string, expanded bool) error {
	return s.withTree(ctx, hash, func(sess *session) error {
		return sess.tree.SetExpanded(fullPath, expanded)
	})
}

func (s *Service) ExpandAll(ctx context.Context, hash string) error {
	return s.withTree(ctx, hash, func(sess *session) error {
		sess.tree.ExpandAll()
		return nil
	})
}

func (s *Service) CollapseAll(ctx context.Context, hash string) error {
	return s.withTree(ctx, hash, func(sess *session) error {
		sess.tree.CollapseAll()
		return nil
	})
}

// SetSelected marks rows as selected and returns the selected paths.
func (s *Service) SetSelected(ctx context.Context, hash string, paths []string, selected bool) ([]string, error) {
	var result []string
	err := s.withTree(ctx, hash, func(sess *session) error {
		for _, p := range paths {
			if _, ok := sess.tree.GetNode(p); !ok {
				return fmt.Errorf("%w: %q", filetree.ErrNotFound, p)
			}
		}
		for _, p := range paths {
			if err := sess.tree.SetSelected(p, selected); err != nil {
				return err
			}
		}
		result = sess.tree.SelectedPaths()
		return nil
	})
	return result, err
}

func (s *Service) ClearSelection(ctx context.Context, hash string) error {
	return s.withTree(ctx, hash, func(sess *session) error {
		sess.tree.ClearSelection()
		return nil
	})
}
