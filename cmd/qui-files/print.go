// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/qui-files/internal/filetree"
)

const (
	outputText = "text"
	outputYAML = "yaml"
)

type yamlNode struct {
	Name      string     `yaml:"name"`
	Index     *int       `yaml:"index,omitempty"`
	Size      string     `yaml:"size"`
	Progress  string     `yaml:"progress"`
	Priority  string     `yaml:"priority"`
	Selection string     `yaml:"selection"`
	Children  []yamlNode `yaml:"children,omitempty"`
}

func toYAMLNode(n *filetree.Node) yamlNode {
	out := yamlNode{
		Name:      n.Name(),
		Size:      humanize.IBytes(uint64(n.Size())),
		Progress:  formatProgress(n.PercentDone()),
		Priority:  n.Priority().String(),
		Selection: n.Selection().String(),
	}
	if !n.IsDir() {
		idx := n.Index()
		out.Index = &idx
	}
	for _, child := range n.Children() {
		out.Children = append(out.Children, toYAMLNode(child))
	}
	return out
}

func formatProgress(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func selectionMark(s filetree.SelectionState) string {
	switch s {
	case filetree.SelectionWanted:
		return "[x]"
	case filetree.SelectionMixed:
		return "[~]"
	default:
		return "[ ]"
	}
}

// printTree writes every node of the tree, directories before their
// contents.
func printTree(w io.Writer, tree *filetree.CachedFileTree, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", outputText:
		root := tree.Root()
		fmt.Fprintf(w, "%s %d files, %s, %s done\n",
			tree.Identity().Hash, tree.FileCount(), humanize.IBytes(uint64(root.Size())), formatProgress(root.PercentDone()))

		for _, row := range tree.FlattenAll() {
			name := row.Name
			if row.IsDir {
				name += "/"
			}
			fmt.Fprintf(w, "%s %s%s  %s  %s  %s\n",
				selectionMark(row.Selection),
				strings.Repeat("  ", row.Depth),
				name,
				humanize.IBytes(uint64(row.Size)),
				formatProgress(row.PercentDone),
				row.Priority.String(),
			)
		}
		return nil

	case outputYAML:
		var nodes []yamlNode
		for _, child := range tree.Root().Children() {
			nodes = append(nodes, toYAMLNode(child))
		}

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(nodes); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
