// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetree

// NodeKind tags which variant of Node is populated.
type NodeKind uint8

const (
	KindDirectory NodeKind = iota
	KindFile
)

func (k NodeKind) String() string {
	if k == KindFile {
		return "file"
	}
	return "directory"
}

// Node is a directory or file entry of a CachedFileTree. Exactly one of dir
// and file is set, as selected by kind.
type Node struct {
	kind     NodeKind
	name     string
	fullPath string
	level    int
	parent   *Node
	selected bool

	dir  *directory
	file *fileLeaf
}

type directory struct {
	children []*Node
	expanded bool

	size       int64
	done       int64
	wantedSize int64
	priority   Priority
	selection  SelectionState
}

type fileLeaf struct {
	index          int
	size           int64
	bytesCompleted int64
	wanted         bool
	priority       Priority
}

func newDirectory(name, fullPath string, level int, parent *Node) *Node {
	return &Node{
		kind:     KindDirectory,
		name:     name,
		fullPath: fullPath,
		level:    level,
		parent:   parent,
		dir:      &directory{},
	}
}

func newFile(name, fullPath string, level int, parent *Node, rec FileRecord) *Node {
	return &Node{
		kind:     KindFile,
		name:     name,
		fullPath: fullPath,
		level:    level,
		parent:   parent,
		file: &fileLeaf{
			index:          rec.Index,
			size:           rec.Size,
			bytesCompleted: rec.BytesCompleted,
			wanted:         rec.Wanted,
			priority:       rec.Priority,
		},
	}
}

func (d *directory) add(child *Node) {
	d.children = append(d.children, child)
}

func (n *Node) Kind() NodeKind { return n.kind }

func (n *Node) IsDir() bool { return n.kind == KindDirectory }

// Name is the last path segment; empty for the root.
func (n *Node) Name() string { return n.name }

// FullPath is the "/"-joined path from the root; empty for the root.
func (n *Node) FullPath() string { return n.fullPath }

// Level is the number of path segments; the root is level 0.
func (n *Node) Level() int { return n.level }

func (n *Node) Parent() *Node { return n.parent }

// Children returns the direct children in first-seen order. The slice is
// owned by the tree and must not be modified.
func (n *Node) Children() []*Node {
	if n.kind != KindDirectory {
		return nil
	}
	return n.dir.children
}

// Index returns the flat daemon index of a file, or -1 for a directory.
func (n *Node) Index() int {
	if n.kind != KindFile {
		return -1
	}
	return n.file.index
}

func (n *Node) Size() int64 {
	switch n.kind {
	case KindFile:
		return n.file.size
	default:
		return n.dir.size
	}
}

func (n *Node) Done() int64 {
	switch n.kind {
	case KindFile:
		return n.file.bytesCompleted
	default:
		return n.dir.done
	}
}

// WantedSize is the number of bytes of this subtree that are wanted.
func (n *Node) WantedSize() int64 {
	switch n.kind {
	case KindFile:
		if n.file.wanted {
			return n.file.size
		}
		return 0
	default:
		return n.dir.wantedSize
	}
}

func (n *Node) Priority() Priority {
	switch n.kind {
	case KindFile:
		return n.file.priority
	default:
		return n.dir.priority
	}
}

func (n *Node) Selection() SelectionState {
	switch n.kind {
	case KindFile:
		return selectionOf(n.file.wanted)
	default:
		return n.dir.selection
	}
}

// Wanted reports whether every file of the subtree is wanted.
func (n *Node) Wanted() bool {
	return n.Selection() == SelectionWanted
}

// PercentDone is Done/Size in the range [0, 1]; zero-sized nodes report 0.
func (n *Node) PercentDone() float64 {
	size := n.Size()
	if size <= 0 {
		return 0
	}
	return float64(n.Done()) / float64(size)
}

// Expanded reports the client-side expansion flag. Files are never expanded.
func (n *Node) Expanded() bool {
	return n.kind == KindDirectory && n.dir.expanded
}

// Selected reports the client-side row selection flag.
func (n *Node) Selected() bool { return n.selected }

// recompute folds the direct children into the directory aggregates.
func (n *Node) recompute() {
	d := n.dir
	d.size, d.done, d.wantedSize = 0, 0, 0
	for i, child := range d.children {
		d.size += child.Size()
		d.done += child.Done()
		d.wantedSize += child.WantedSize()

		if i == 0 {
			d.priority = child.Priority()
			d.selection = child.Selection()
			continue
		}
		if d.priority != child.Priority() {
			d.priority = PriorityMixed
		}
		if d.selection != child.Selection() {
			d.selection = SelectionMixed
		}
	}
	if len(d.children) == 0 {
		d.priority = PriorityNormal
		d.selection = SelectionUnwanted
	}
}

// recomputeSubtree refreshes every directory below and including n, post-order.
func (n *Node) recomputeSubtree() {
	if n.kind != KindDirectory {
		return
	}
	for _, child := range n.dir.children {
		child.recomputeSubtree()
	}
	n.recompute()
}

// recomputeAncestors refreshes the directories strictly above n, bottom-up.
func (n *Node) recomputeAncestors() {
	for p := n.parent; p != nil; p = p.parent {
		p.recompute()
	}
}

// collectFiles appends every file leaf of the subtree in depth-first order.
func (n *Node) collectFiles(dst []*Node) []*Node {
	if n.kind == KindFile {
		return append(dst, n)
	}
	for _, child := range n.dir.children {
		dst = child.collectFiles(dst)
	}
	return dst
}
