// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetree

import (
	"fmt"
	"strings"
)

// Priority is the download priority of a file. Directories additionally use
// PriorityMixed when their descendants disagree.
type Priority int8

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityMixed
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityMixed:
		return "mixed"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// ParsePriority parses a file priority name. The mixed sentinel is not a valid
// file priority and is rejected.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid file priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// SelectionState is the tri-state wanted flag reported for a node.
type SelectionState uint8

const (
	SelectionUnwanted SelectionState = iota
	SelectionWanted
	SelectionMixed
)

func (s SelectionState) String() string {
	switch s {
	case SelectionUnwanted:
		return "unwanted"
	case SelectionWanted:
		return "wanted"
	case SelectionMixed:
		return "mixed"
	default:
		return fmt.Sprintf("selection(%d)", uint8(s))
	}
}

func (s SelectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func selectionOf(wanted bool) SelectionState {
	if wanted {
		return SelectionWanted
	}
	return SelectionUnwanted
}

// Identity names the torrent a tree was built for. A tree must never be fed
// snapshots of another identity.
type Identity struct {
	Hash string `json:"hash"`
	ID   int    `json:"id"`
}

func (i Identity) Equal(other Identity) bool {
	return i.ID == other.ID && strings.EqualFold(strings.TrimSpace(i.Hash), strings.TrimSpace(other.Hash))
}

func (i Identity) String() string {
	return fmt.Sprintf("%s#%d", strings.ToUpper(i.Hash), i.ID)
}

// FileRecord describes one file of a torrent as reported by the daemon.
type FileRecord struct {
	Index          int      `json:"index"`
	Path           []string `json:"path"`
	Size           int64    `json:"size"`
	BytesCompleted int64    `json:"bytesCompleted"`
	Wanted         bool     `json:"wanted"`
	Priority       Priority `json:"priority"`
}

// FileStat carries the mutable per-file state. Daemons that report it
// separately from the file list (the verbose form) fill Snapshot.Stats.
type FileStat struct {
	BytesCompleted int64    `json:"bytesCompleted"`
	Wanted         bool     `json:"wanted"`
	Priority       Priority `json:"priority"`
}

// Snapshot is one point-in-time report of a torrent's files.
type Snapshot struct {
	Identity Identity     `json:"identity"`
	Files    []FileRecord `json:"files"`
	// Stats is optional and, when set, indexed like Files.
	Stats []FileStat `json:"stats,omitempty"`
}

// SplitPath splits a daemon file name into path segments. Both separators are
// accepted because some clients report Windows-style names.
func SplitPath(name string) []string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.Split(strings.Trim(name, "/"), "/")
}

// JoinPath is the inverse of SplitPath and produces the full path used as the
// lookup key.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}
