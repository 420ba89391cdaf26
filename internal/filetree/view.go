// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetree

import "fmt"

// NodeView is the aggregate view of a node handed to renderers.
type NodeView struct {
	Name        string         `json:"name"`
	FullPath    string         `json:"fullPath"`
	IsDir       bool           `json:"isDir"`
	Index       int            `json:"index"`
	Depth       int            `json:"depth"`
	Size        int64          `json:"size"`
	Done        int64          `json:"done"`
	WantedSize  int64          `json:"wantedSize"`
	PercentDone float64        `json:"percentDone"`
	Priority    Priority       `json:"priority"`
	Selection   SelectionState `json:"selection"`
	Expanded    bool           `json:"expanded"`
	Selected    bool           `json:"selected"`
	HasChildren bool           `json:"hasChildren"`
}

// View snapshots the node's aggregates. Depth is 0 for top-level entries.
func (n *Node) View() NodeView {
	depth := n.level - 1
	if depth < 0 {
		depth = 0
	}
	return NodeView{
		Name:        n.name,
		FullPath:    n.fullPath,
		IsDir:       n.IsDir(),
		Index:       n.Index(),
		Depth:       depth,
		Size:        n.Size(),
		Done:        n.Done(),
		WantedSize:  n.WantedSize(),
		PercentDone: n.PercentDone(),
		Priority:    n.Priority(),
		Selection:   n.Selection(),
		Expanded:    n.Expanded(),
		Selected:    n.selected,
		HasChildren: len(n.Children()) > 0,
	}
}

// Walk visits the tree pre-order, starting below the root. Returning false
// from fn skips the children of that node.
func (t *CachedFileTree) Walk(fn func(*Node) bool) {
	var visit func(n *Node)
	visit = func(n *Node) {
		if !fn(n) || n.kind != KindDirectory {
			return
		}
		for _, child := range n.dir.children {
			visit(child)
		}
	}
	for _, child := range t.root.dir.children {
		visit(child)
	}
}

// Flatten returns the rows a tree table shows: a pre-order listing in which
// children of collapsed directories are hidden.
func (t *CachedFileTree) Flatten() []NodeView {
	var rows []NodeView
	t.Walk(func(n *Node) bool {
		rows = append(rows, n.View())
		return n.Expanded()
	})
	return rows
}

// FlattenAll is Flatten with every directory treated as expanded.
func (t *CachedFileTree) FlattenAll() []NodeView {
	var rows []NodeView
	t.Walk(func(n *Node) bool {
		rows = append(rows, n.View())
		return true
	})
	return rows
}

// SetExpanded records whether a directory is expanded. The flag is client
// state and survives Update.
func (t *CachedFileTree) SetExpanded(fullPath string, expanded bool) error {
	node, ok := t.GetNode(fullPath)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, fullPath)
	}
	if node.kind != KindDirectory {
		return fmt.Errorf("cannot expand file %q", fullPath)
	}
	if node == t.root {
		return nil
	}
	node.dir.expanded = expanded
	return nil
}

func (t *CachedFileTree) ExpandAll() {
	t.setAllExpanded(true)
}

func (t *CachedFileTree) CollapseAll() {
	t.setAllExpanded(false)
}

func (t *CachedFileTree) setAllExpanded(expanded bool) {
	t.Walk(func(n *Node) bool {
		if n.kind == KindDirectory {
			n.dir.expanded = expanded
		}
		return true
	})
}

// SetSelected marks a row as selected in the client.
func (t *CachedFileTree) SetSelected(fullPath string, selected bool) error {
	node, ok := t.GetNode(fullPath)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, fullPath)
	}
	node.selected = selected
	return nil
}

func (t *CachedFileTree) ClearSelection() {
	for _, node := range t.byPath {
		node.selected = false
	}
}

// SelectedPaths lists selected rows in tree order.
func (t *CachedFileTree) SelectedPaths() []string {
	var paths []string
	t.Walk(func(n *Node) bool {
		if n.selected {
			paths = append(paths, n.fullPath)
		}
		return true
	})
	return paths
}
