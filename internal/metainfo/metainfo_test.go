// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metainfo

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTorrent(t *testing.T, info metainfo.Info) []byte {
	t.Helper()

	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{
		AnnounceList: [][]string{{"http://tracker.example.com:8080/announce"}},
		InfoBytes:    infoBytes,
	}

	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func padFile(length int64) metainfo.FileInfo {
	fi := metainfo.FileInfo{Length: length, Path: []string{".pad", "7"}}
	fi.Attr = "p"
	return fi
}

func TestLoadMultiFile(t *testing.T) {
	data := createTestTorrent(t, metainfo.Info{
		Name:        "Album",
		PieceLength: 16384,
		Files: []metainfo.FileInfo{
			{Length: 100, Path: []string{"CD1", "01.flac"}},
			padFile(7),
			{Length: 200, Path: []string{"CD1", "02.flac"}},
			{Length: 10, Path: []string{"cover.jpg"}},
		},
	})

	torrent, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "Album", torrent.Name)
	assert.Len(t, torrent.InfoHash, 40)
	assert.Equal(t, int64(310), torrent.TotalSize)

	files := torrent.Snapshot.Files
	require.Len(t, files, 3)
	assert.Equal(t, []string{"Album", "CD1", "01.flac"}, files[0].Path)
	assert.Equal(t, 1, files[1].Index)
	assert.Equal(t, []string{"Album", "CD1", "02.flac"}, files[1].Path)
	assert.Equal(t, []string{"Album", "cover.jpg"}, files[2].Path)
	for _, f := range files {
		assert.True(t, f.Wanted)
		assert.Zero(t, f.BytesCompleted)
	}

	tree, err := torrent.Tree()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, tree.GetChildFilesIndexes("Album/CD1"))

	album, ok := tree.GetNode("Album")
	require.True(t, ok)
	assert.Equal(t, int64(310), album.Size())
}

func TestLoadKeepsFilesNamedLikePadding(t *testing.T) {
	data := createTestTorrent(t, metainfo.Info{
		Name:        "Project",
		PieceLength: 16384,
		Files: []metainfo.FileInfo{
			{Length: 5, Path: []string{".padding", "layout.css"}},
			{Length: 3, Path: []string{".pad"}},
		},
	})

	torrent, err := Load(bytes.NewReader(data))
	require.NoError(t, err)

	files := torrent.Snapshot.Files
	require.Len(t, files, 2)
	assert.Equal(t, []string{"Project", ".padding", "layout.css"}, files[0].Path)
	assert.Equal(t, []string{"Project", ".pad"}, files[1].Path)
	assert.Equal(t, int64(8), torrent.TotalSize)
}

func TestLoadSingleFile(t *testing.T) {
	data := createTestTorrent(t, metainfo.Info{
		Name:        "movie.mkv",
		PieceLength: 16384,
		Length:      4096,
	})

	path := filepath.Join(t.TempDir(), "movie.torrent")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	torrent, err := LoadFile(path)
	require.NoError(t, err)

	require.Len(t, torrent.Snapshot.Files, 1)
	assert.Equal(t, []string{"movie.mkv"}, torrent.Snapshot.Files[0].Path)
	assert.Equal(t, int64(4096), torrent.Snapshot.Files[0].Size)
	assert.Equal(t, torrent.InfoHash, torrent.Snapshot.Identity.Hash)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("not a torrent")))
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.torrent"))
	require.Error(t, err)
}
