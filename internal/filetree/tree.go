// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filetree turns a torrent's flat file list into a directory tree
// with eagerly maintained per-directory aggregates.
//
// A CachedFileTree is built once per torrent with Parse and then refreshed
// with Update on every poll. Update only rewrites the mutable per-file state,
// so client-side state kept on directories (expansion, row selection)
// survives refreshes. Wanted toggles and priority changes are applied to a
// whole subtree and report the flat file indexes that changed, which is what
// the daemon's mutation calls take.
//
// A tree is not safe for concurrent use; its owner serialises access.
package filetree

import (
	"fmt"
	"slices"
	"strings"
)

// CachedFileTree is the file tree of exactly one torrent identity.
type CachedFileTree struct {
	identity    Identity
	initialized bool

	root   *Node
	byPath map[string]*Node
	// files is the flat index table: files[i] is the leaf of daemon file i.
	files []*Node
}

// New returns an empty, uninitialized tree bound to identity.
func New(identity Identity) *CachedFileTree {
	root := newDirectory("", "", 0, nil)
	root.dir.expanded = true
	root.recompute()
	return &CachedFileTree{
		identity: identity,
		root:     root,
		byPath:   map[string]*Node{"": root},
	}
}

func (t *CachedFileTree) Identity() Identity { return t.identity }

// Initialized reports whether Parse has succeeded at least once.
func (t *CachedFileTree) Initialized() bool { return t.initialized }

func (t *CachedFileTree) Root() *Node { return t.root }

func (t *CachedFileTree) FileCount() int { return len(t.files) }

// Files returns the file leaves in flat index order. The slice must not be
// modified.
func (t *CachedFileTree) Files() []*Node { return t.files }

// FileByIndex returns the leaf for a flat daemon index.
func (t *CachedFileTree) FileByIndex(index int) (*Node, error) {
	if index < 0 || index >= len(t.files) {
		return nil, fmt.Errorf("%w: %d (have %d files)", ErrInvalidIndex, index, len(t.files))
	}
	return t.files[index], nil
}

// Parse builds the tree from scratch. When verbose is set, the per-file
// state is read from snap.Stats instead of snap.Files. On error the tree is
// left exactly as it was.
//
// Re-parsing an initialized tree keeps the expansion and selection flags of
// paths that still exist.
func (t *CachedFileTree) Parse(snap Snapshot, verbose bool) error {
	if !t.identity.Equal(snap.Identity) {
		return fmt.Errorf("%w: tree is bound to %s, snapshot is for %s", ErrIdentityMismatch, t.identity, snap.Identity)
	}

	count := len(snap.Files)
	if verbose && len(snap.Stats) != count {
		return fmt.Errorf("%w: %d files but %d file stats", ErrMalformedSnapshot, count, len(snap.Stats))
	}

	root := newDirectory("", "", 0, nil)
	root.dir.expanded = true
	byPath := map[string]*Node{"": root}
	files := make([]*Node, count)

	for i, rec := range snap.Files {
		if verbose {
			st := snap.Stats[i]
			rec.BytesCompleted, rec.Wanted, rec.Priority = st.BytesCompleted, st.Wanted, st.Priority
		}
		if err := validateRecord(rec, count); err != nil {
			return err
		}
		if files[rec.Index] != nil {
			return fmt.Errorf("%w: duplicate file index %d", ErrMalformedSnapshot, rec.Index)
		}

		parent := root
		for level := 1; level < len(rec.Path); level++ {
			dirPath := JoinPath(rec.Path[:level])
			node, ok := byPath[dirPath]
			if !ok {
				node = newDirectory(rec.Path[level-1], dirPath, level, parent)
				parent.dir.add(node)
				byPath[dirPath] = node
			} else if node.kind != KindDirectory {
				return fmt.Errorf("%w: %q is both a file and a directory", ErrMalformedSnapshot, dirPath)
			}
			parent = node
		}

		fullPath := JoinPath(rec.Path)
		if _, exists := byPath[fullPath]; exists {
			return fmt.Errorf("%w: duplicate path %q", ErrMalformedSnapshot, fullPath)
		}
		leaf := newFile(rec.Path[len(rec.Path)-1], fullPath, len(rec.Path), parent, rec)
		parent.dir.add(leaf)
		byPath[fullPath] = leaf
		files[rec.Index] = leaf
	}

	root.recomputeSubtree()

	if t.initialized {
		for path, prev := range t.byPath {
			next, ok := byPath[path]
			if !ok || next.kind != prev.kind {
				continue
			}
			next.selected = prev.selected
			if next.kind == KindDirectory && next != root {
				next.dir.expanded = prev.dir.expanded
			}
		}
	}

	t.root, t.byPath, t.files = root, byPath, files
	t.initialized = true
	return nil
}

// Update refreshes progress, wanted and priority of every file in place.
// The tree shape, directory identity and client-side state are untouched.
// A snapshot whose file list differs from the parsed one is rejected with
// ErrIdentityMismatch and nothing is applied.
func (t *CachedFileTree) Update(snap Snapshot) error {
	if !t.initialized {
		return fmt.Errorf("%w: tree has not been parsed", ErrIdentityMismatch)
	}
	if !t.identity.Equal(snap.Identity) {
		return fmt.Errorf("%w: tree is bound to %s, snapshot is for %s", ErrIdentityMismatch, t.identity, snap.Identity)
	}

	count := len(t.files)
	if len(snap.Files) != count {
		return fmt.Errorf("%w: file count changed from %d to %d", ErrIdentityMismatch, count, len(snap.Files))
	}
	useStats := len(snap.Stats) > 0
	if useStats && len(snap.Stats) != count {
		return fmt.Errorf("%w: %d files but %d file stats", ErrMalformedSnapshot, count, len(snap.Stats))
	}

	pending := make([]FileStat, count)
	seen := make([]bool, count)
	for i, rec := range snap.Files {
		if useStats {
			st := snap.Stats[i]
			rec.BytesCompleted, rec.Wanted, rec.Priority = st.BytesCompleted, st.Wanted, st.Priority
		}
		if err := validateRecord(rec, count); err != nil {
			return err
		}
		if seen[rec.Index] {
			return fmt.Errorf("%w: duplicate file index %d", ErrMalformedSnapshot, rec.Index)
		}
		seen[rec.Index] = true

		leaf := t.files[rec.Index]
		if path := JoinPath(rec.Path); path != leaf.fullPath {
			return fmt.Errorf("%w: file %d moved from %q to %q", ErrIdentityMismatch, rec.Index, leaf.fullPath, path)
		}
		if rec.Size != leaf.file.size {
			return fmt.Errorf("%w: file %d size changed from %d to %d", ErrIdentityMismatch, rec.Index, leaf.file.size, rec.Size)
		}
		pending[rec.Index] = FileStat{BytesCompleted: rec.BytesCompleted, Wanted: rec.Wanted, Priority: rec.Priority}
	}

	changed := false
	for index, st := range pending {
		f := t.files[index].file
		if f.bytesCompleted == st.BytesCompleted && f.wanted == st.Wanted && f.priority == st.Priority {
			continue
		}
		f.bytesCompleted, f.wanted, f.priority = st.BytesCompleted, st.Wanted, st.Priority
		changed = true
	}
	if changed {
		t.root.recomputeSubtree()
	}
	return nil
}

func validateRecord(rec FileRecord, count int) error {
	if rec.Index < 0 || rec.Index >= count {
		return fmt.Errorf("%w: file index %d outside 0..%d", ErrMalformedSnapshot, rec.Index, count-1)
	}
	if len(rec.Path) == 0 || slices.Contains(rec.Path, "") {
		return fmt.Errorf("%w: file %d has an empty path segment", ErrMalformedSnapshot, rec.Index)
	}
	for _, segment := range rec.Path {
		if strings.ContainsAny(segment, "/\\") {
			return fmt.Errorf("%w: file %d path segment %q contains a separator", ErrMalformedSnapshot, rec.Index, segment)
		}
	}
	if rec.Size < 0 {
		return fmt.Errorf("%w: file %d has negative size %d", ErrMalformedSnapshot, rec.Index, rec.Size)
	}
	if rec.BytesCompleted < 0 || rec.BytesCompleted > rec.Size {
		return fmt.Errorf("%w: file %d has %d of %d bytes completed", ErrMalformedSnapshot, rec.Index, rec.BytesCompleted, rec.Size)
	}
	if rec.Priority < PriorityLow || rec.Priority > PriorityHigh {
		return fmt.Errorf("%w: file %d has invalid priority %s", ErrMalformedSnapshot, rec.Index, rec.Priority)
	}
	return nil
}

func lookupKey(fullPath string) string {
	return strings.Trim(strings.ReplaceAll(fullPath, "\\", "/"), "/")
}

// GetNode looks up a node by full path. The root is "" (or "/").
func (t *CachedFileTree) GetNode(fullPath string) (*Node, bool) {
	node, ok := t.byPath[lookupKey(fullPath)]
	return node, ok
}

// GetChildFilesIndexes returns the ascending flat indexes of every file at or
// below fullPath, or nil when the path is unknown.
func (t *CachedFileTree) GetChildFilesIndexes(fullPath string) []int {
	node, ok := t.GetNode(fullPath)
	if !ok {
		return nil
	}
	leaves := node.collectFiles(nil)
	indexes := make([]int, len(leaves))
	for i, leaf := range leaves {
		indexes[i] = leaf.file.index
	}
	slices.Sort(indexes)
	return indexes
}
