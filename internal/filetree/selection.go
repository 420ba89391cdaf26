// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetree

import (
	"fmt"
	"slices"
)

// ToggleWanted sets the wanted flag of every file at or below fullPath and
// returns the ascending flat indexes whose flag actually changed. Files that
// were already in the requested state are left out so the resulting daemon
// request stays minimal.
func (t *CachedFileTree) ToggleWanted(fullPath string, wanted bool) ([]int, error) {
	node, ok := t.GetNode(fullPath)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, fullPath)
	}

	var changed []int
	for _, leaf := range node.collectFiles(nil) {
		if leaf.file.wanted == wanted {
			continue
		}
		leaf.file.wanted = wanted
		changed = append(changed, leaf.file.index)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	node.recomputeSubtree()
	node.recomputeAncestors()
	slices.Sort(changed)
	return changed, nil
}

// ApplyWanted sets the wanted flag by flat index, for example to roll back a
// toggle the daemon rejected. All indexes are validated before anything is
// changed. It returns the ascending indexes that changed.
func (t *CachedFileTree) ApplyWanted(indexes []int, wanted bool) ([]int, error) {
	for _, index := range indexes {
		if index < 0 || index >= len(t.files) {
			return nil, fmt.Errorf("%w: %d (have %d files)", ErrInvalidIndex, index, len(t.files))
		}
	}

	var changed []int
	for _, index := range indexes {
		f := t.files[index].file
		if f.wanted == wanted {
			continue
		}
		f.wanted = wanted
		changed = append(changed, index)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	t.root.recomputeSubtree()
	slices.Sort(changed)
	return changed, nil
}

// SetPriority assigns p to every wanted file at or below fullPath and
// returns the ascending flat indexes whose priority changed. Unwanted files
// are left alone: the daemon encodes "skip" as a priority, so assigning one
// would mark them wanted again.
func (t *CachedFileTree) SetPriority(fullPath string, p Priority) ([]int, error) {
	if p < PriorityLow || p > PriorityHigh {
		return nil, fmt.Errorf("cannot assign priority %s to files", p)
	}
	node, ok := t.GetNode(fullPath)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, fullPath)
	}

	var changed []int
	for _, leaf := range node.collectFiles(nil) {
		if !leaf.file.wanted || leaf.file.priority == p {
			continue
		}
		leaf.file.priority = p
		changed = append(changed, leaf.file.index)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	node.recomputeSubtree()
	node.recomputeAncestors()
	slices.Sort(changed)
	return changed, nil
}

// UnwantedIndexes returns the ascending flat indexes of all unwanted files.
func (t *CachedFileTree) UnwantedIndexes() []int {
	var indexes []int
	for index, leaf := range t.files {
		if !leaf.file.wanted {
			indexes = append(indexes, index)
		}
	}
	return indexes
}
