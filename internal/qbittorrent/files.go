// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-files/internal/filetree"
)

// qBittorrent file priorities.
const (
	priorityDoNotDownload = 0
	priorityNormal        = 1
	priorityHigh          = 6
	priorityMaximal       = 7
)

var (
	ErrFilePriorityUnsupported  = errors.New("qBittorrent instance does not support file priority changes (requires WebAPI 2.2.0+)")
	ErrPriorityLevelUnsupported = errors.New("qBittorrent has no file priority below normal")
)

func canonicalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// Snapshot fetches the current file list of a torrent.
func (c *Client) Snapshot(ctx context.Context, hash string) (filetree.Snapshot, error) {
	hash = canonicalizeHash(hash)
	if hash == "" {
		return filetree.Snapshot{}, fmt.Errorf("torrent hash is required")
	}

	files, err := c.api.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		c.updateHealthStatus(false)
		return filetree.Snapshot{}, errors.Wrapf(err, "fetch torrent files %s", hash)
	}
	if files == nil {
		return filetree.Snapshot{}, fmt.Errorf("fetch torrent files %s: empty response", hash)
	}
	c.updateHealthStatus(true)

	identity := filetree.Identity{Hash: hash, ID: c.instanceID}
	return SnapshotFromFiles(identity, *files, c.SupportsFileIndex()), nil
}

// SnapshotFromFiles converts a qBittorrent file listing. When useIndex is
// false, or the listing carries no usable indexes, the position in the
// listing is the flat index, which is how the WebAPI orders files.
func SnapshotFromFiles(identity filetree.Identity, files qbt.TorrentFiles, useIndex bool) filetree.Snapshot {
	if useIndex && !distinctIndexes(files) {
		useIndex = false
	}

	records := make([]filetree.FileRecord, len(files))
	for i, f := range files {
		index := i
		if useIndex {
			index = f.Index
		}

		wanted, priority := fromQbtPriority(f.Priority)
		records[i] = filetree.FileRecord{
			Index:          index,
			Path:           filetree.SplitPath(f.Name),
			Size:           f.Size,
			BytesCompleted: completedBytes(f.Size, float64(f.Progress)),
			Wanted:         wanted,
			Priority:       priority,
		}
	}

	return filetree.Snapshot{Identity: identity, Files: records}
}

func distinctIndexes(files qbt.TorrentFiles) bool {
	seen := make(map[int]struct{}, len(files))
	for _, f := range files {
		if f.Index < 0 || f.Index >= len(files) {
			return false
		}
		if _, dup := seen[f.Index]; dup {
			return false
		}
		seen[f.Index] = struct{}{}
	}
	return true
}

func completedBytes(size int64, progress float64) int64 {
	if size <= 0 || progress <= 0 || math.IsNaN(progress) {
		return 0
	}
	if progress >= 1 {
		return size
	}
	done := int64(math.Round(progress * float64(size)))
	return min(done, size)
}

// fromQbtPriority splits a qBittorrent priority into the wanted flag and a
// file priority. qBittorrent has no level below normal; legacy values 2-5
// count as normal.
func fromQbtPriority(p int) (bool, filetree.Priority) {
	switch {
	case p <= priorityDoNotDownload:
		return false, filetree.PriorityNormal
	case p >= priorityHigh:
		return true, filetree.PriorityHigh
	default:
		return true, filetree.PriorityNormal
	}
}

func toQbtPriority(p filetree.Priority) (int, error) {
	switch p {
	case filetree.PriorityHigh:
		return priorityHigh, nil
	case filetree.PriorityNormal:
		return priorityNormal, nil
	case filetree.PriorityLow:
		return 0, ErrPriorityLevelUnsupported
	default:
		return 0, fmt.Errorf("cannot assign priority %s to files", p)
	}
}

// SupportsPriority reports whether p can be stored by qBittorrent.
func SupportsPriority(p filetree.Priority) bool {
	_, err := toQbtPriority(p)
	return err == nil
}

// SetFilesWanted marks files as wanted (normal priority) or skipped.
func (c *Client) SetFilesWanted(ctx context.Context, hash string, indexes []int, wanted bool) error {
	priority := priorityDoNotDownload
	if wanted {
		priority = priorityNormal
	}
	return c.setFilePriority(ctx, hash, indexes, priority)
}

// SetFilesPriority sets the download priority of wanted files.
func (c *Client) SetFilesPriority(ctx context.Context, hash string, indexes []int, p filetree.Priority) error {
	priority, err := toQbtPriority(p)
	if err != nil {
		return err
	}
	return c.setFilePriority(ctx, hash, indexes, priority)
}

func (c *Client) setFilePriority(ctx context.Context, hash string, indexes []int, priority int) error {
	hash = canonicalizeHash(hash)
	if hash == "" {
		return fmt.Errorf("torrent hash is required")
	}
	if !c.SupportsFilePriority() {
		return ErrFilePriorityUnsupported
	}
	if len(indexes) == 0 {
		return fmt.Errorf("at least one file index is required")
	}
	if priority < priorityDoNotDownload || priority > priorityMaximal {
		return fmt.Errorf("file priority must be between 0 and 7")
	}

	idString, err := joinIndexes(indexes)
	if err != nil {
		return err
	}

	if err := c.api.SetFilePriorityCtx(ctx, hash, idString, priority); err != nil {
		switch {
		case errors.Is(err, qbt.ErrInvalidPriority):
			return fmt.Errorf("invalid file priority or file indices: %w", err)
		case errors.Is(err, qbt.ErrTorrentMetdataNotDownloadedYet):
			return fmt.Errorf("torrent metadata is not yet available, please try again once metadata has downloaded: %w", err)
		default:
			return fmt.Errorf("failed to set file priority: %w", err)
		}
	}

	log.Debug().
		Int("instanceID", c.instanceID).
		Str("hash", hash).
		Int("files", len(indexes)).
		Int("priority", priority).
		Msg("Updated torrent file priority")

	return nil
}

func joinIndexes(indexes []int) (string, error) {
	ids := make([]string, len(indexes))
	for i, idx := range indexes {
		if idx < 0 {
			return "", fmt.Errorf("file indices must be non-negative")
		}
		ids[i] = strconv.Itoa(idx)
	}
	return strings.Join(ids, "|"), nil
}
