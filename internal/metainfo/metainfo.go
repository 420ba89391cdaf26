// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metainfo reads .torrent files into file tree snapshots.
package metainfo

import (
	"io"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/autobrr/qui-files/internal/filetree"
)

// BEP 47 attribute flag of padding files, which daemons hide from file lists.
const padAttr = "p"

type Torrent struct {
	Name      string
	InfoHash  string
	TotalSize int64
	Snapshot  filetree.Snapshot
}

func LoadFile(path string) (*Torrent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open torrent file")
	}
	defer f.Close()

	return Load(f)
}

// Load parses torrent metainfo. Every file starts out wanted with normal
// priority and nothing downloaded; flat indexes follow the metainfo order
// with padding files skipped.
func Load(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.Load(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode torrent")
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrap(err, "decode torrent info")
	}

	name := strings.TrimSpace(info.Name)
	if name == "" {
		return nil, errors.New("torrent has no name")
	}

	t := &Torrent{
		Name:     name,
		InfoHash: mi.HashInfoBytes().HexString(),
	}

	files := info.UpvertedFiles()
	multi := len(files) > 1 || (len(files) == 1 && len(files[0].Path) > 0)

	records := make([]filetree.FileRecord, 0, len(files))
	for _, fi := range files {
		if strings.Contains(fi.Attr, padAttr) {
			continue
		}
		segments := fi.Path
		if len(fi.PathUtf8) > 0 {
			segments = fi.PathUtf8
		}

		path := []string{name}
		if multi {
			path = append(path, segments...)
		}

		records = append(records, filetree.FileRecord{
			Index:    len(records),
			Path:     path,
			Size:     fi.Length,
			Wanted:   true,
			Priority: filetree.PriorityNormal,
		})
		t.TotalSize += fi.Length
	}

	t.Snapshot = filetree.Snapshot{
		Identity: filetree.Identity{Hash: t.InfoHash},
		Files:    records,
	}

	return t, nil
}

// Tree builds the file tree of a torrent.
func (t *Torrent) Tree() (*filetree.CachedFileTree, error) {
	tree := filetree.New(t.Snapshot.Identity)
	if err := tree.Parse(t.Snapshot, false); err != nil {
		return nil, err
	}
	return tree, nil
}
