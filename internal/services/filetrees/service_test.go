// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetrees

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-files/internal/filetree"
	"github.com/autobrr/qui-files/internal/metrics"
)

type wantedCall struct {
	hash    string
	indexes []int
	wanted  bool
}

type priorityCall struct {
	hash     string
	indexes  []int
	priority filetree.Priority
}

type fakeSource struct {
	mu            sync.Mutex
	snaps         map[string]filetree.Snapshot
	transient     int
	setErr        error
	fetches       int
	wantedCalls   []wantedCall
	priorityCalls []priorityCall
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]filetree.Snapshot)}
}

func (f *fakeSource) put(hash string, files ...filetree.FileRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[hash] = filetree.Snapshot{Identity: filetree.Identity{Hash: hash, ID: 1}, Files: files}
}

func (f *fakeSource) mutate(hash string, fn func(files []filetree.FileRecord)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snaps[hash]
	files := make([]filetree.FileRecord, len(snap.Files))
	copy(files, snap.Files)
	fn(files)
	snap.Files = files
	f.snaps[hash] = snap
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) Snapshot(ctx context.Context, hash string) (filetree.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.transient > 0 {
		f.transient--
		return filetree.Snapshot{}, errors.New("connection reset by peer")
	}
	snap, ok := f.snaps[hash]
	if !ok {
		return filetree.Snapshot{}, fmt.Errorf("torrent %s not found", hash)
	}
	return snap, nil
}

func (f *fakeSource) SetFilesWanted(ctx context.Context, hash string, indexes []int, wanted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.wantedCalls = append(f.wantedCalls, wantedCall{hash: hash, indexes: append([]int(nil), indexes...), wanted: wanted})
	if f.setErr != nil {
		return f.setErr
	}
	snap := f.snaps[hash]
	for _, idx := range indexes {
		snap.Files[idx].Wanted = wanted
	}
	return nil
}

func (f *fakeSource) SetFilesPriority(ctx context.Context, hash string, indexes []int, p filetree.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.priorityCalls = append(f.priorityCalls, priorityCall{hash: hash, indexes: append([]int(nil), indexes...), priority: p})
	if f.setErr != nil {
		return f.setErr
	}
	// a non-zero daemon priority means the file is downloaded
	snap := f.snaps[hash]
	for _, idx := range indexes {
		snap.Files[idx].Priority = p
		snap.Files[idx].Wanted = true
	}
	return nil
}

// normalHighSource only stores normal and high priorities.
type normalHighSource struct {
	*fakeSource
}

func (normalHighSource) SupportsPriority(p filetree.Priority) bool {
	return p == filetree.PriorityNormal || p == filetree.PriorityHigh
}

func file(index int, path string, size, done int64, wanted bool) filetree.FileRecord {
	return filetree.FileRecord{
		Index:          index,
		Path:           filetree.SplitPath(path),
		Size:           size,
		BytesCompleted: done,
		Wanted:         wanted,
		Priority:       filetree.PriorityNormal,
	}
}

func albumFiles() []filetree.FileRecord {
	return []filetree.FileRecord{
		file(0, "Album/CD1/01 - Intro.flac", 100, 100, true),
		file(1, "Album/CD1/02 - Song.flac", 100, 50, true),
		file(2, "Album/CD2/01 - Outro.flac", 100, 0, false),
		file(3, "Album/cover.jpg", 10, 10, true),
		file(4, "Album/notes.txt", 1, 0, true),
	}
}

func newTestService(t *testing.T, source SnapshotSource) *Service {
	t.Helper()
	svc := NewService(source, Config{FetchAttempts: 3, FetchDelay: time.Millisecond})
	t.Cleanup(svc.Close)
	return svc
}

const testHash = "aabbccddeeff00112233445566778899aabbccdd"

func TestTreeBuildsAndRefreshes(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	view, err := svc.Tree(ctx, testHash, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, view.FileCount)
	assert.Equal(t, []int{2}, view.Unwanted)
	assert.Len(t, view.Fingerprint, 16)
	require.Len(t, view.Rows, 1)
	assert.Equal(t, "Album", view.Rows[0].FullPath)
	assert.Equal(t, int64(311), view.Root.Size)
	assert.Equal(t, int64(211), view.Root.WantedSize)

	require.NoError(t, svc.ExpandAll(ctx, testHash))

	source.mutate(testHash, func(files []filetree.FileRecord) {
		files[1].BytesCompleted = 100
	})

	view, err = svc.Tree(ctx, testHash, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, view.Rows, 8)
	assert.Equal(t, int64(210), view.Root.Done)

	cd1, err := svc.Node(ctx, " "+testHash+" ", "Album/CD1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cd1.PercentDone)
}

func TestRefreshOutcomes(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	result, err := svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshParsed, result)

	result, err = svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshUnchanged, result)

	source.mutate(testHash, func(files []filetree.FileRecord) {
		files[2].BytesCompleted = 30
	})
	result, err = svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshUpdated, result)

	require.NoError(t, svc.SetExpanded(ctx, testHash, "Album/CD2", true))

	// new file list for the same torrent: rebuilt with expansion kept
	source.put(testHash, append(albumFiles(), file(5, "Album/CD2/02 - Bonus.flac", 5, 0, true))...)
	result, err = svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshReparsed, result)

	node, err := svc.Node(ctx, testHash, "Album/CD2")
	require.NoError(t, err)
	assert.True(t, node.Expanded)
	assert.Equal(t, int64(105), node.Size)
}

func TestRefreshIdentityChange(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	require.NoError(t, svc.SetExpanded(ctx, testHash, "Album", true))

	source.mutate(testHash, func(files []filetree.FileRecord) {})
	source.mu.Lock()
	snap := source.snaps[testHash]
	snap.Identity.ID = 2
	source.snaps[testHash] = snap
	source.mu.Unlock()

	result, err := svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshReparsed, result)

	node, err := svc.Node(ctx, testHash, "Album")
	require.NoError(t, err)
	assert.False(t, node.Expanded, "a different torrent starts from a fresh tree")
}

func TestFetchRetries(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	source.transient = 2
	svc := newTestService(t, source)

	_, err := svc.Refresh(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, 3, source.fetchCount())

	source.transient = 10
	svc.Drop(testHash)
	_, err = svc.Refresh(context.Background(), testHash)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 6, source.fetchCount())
}

func TestTreeServesStaleStateOnFetchError(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	_, err := svc.Tree(ctx, testHash, ListOptions{})
	require.NoError(t, err)

	source.transient = 10
	view, err := svc.Tree(ctx, testHash, ListOptions{All: true})
	require.NoError(t, err)
	assert.Equal(t, 5, view.FileCount)

	_, err = svc.Tree(ctx, "ffff", ListOptions{})
	require.ErrorIs(t, err, ErrUpstream)

	_, err = svc.Tree(ctx, "  ", ListOptions{})
	require.ErrorIs(t, err, ErrHashRequired)
}

func TestSetWanted(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	changed, err := svc.SetWanted(ctx, testHash, "Album/CD1", false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, changed)
	require.Len(t, source.wantedCalls, 1)
	assert.Equal(t, wantedCall{hash: testHash, indexes: []int{0, 1}, wanted: false}, source.wantedCalls[0])

	node, err := svc.Node(ctx, testHash, "Album/CD1")
	require.NoError(t, err)
	assert.Equal(t, filetree.SelectionUnwanted, node.Selection)

	// the daemon agrees after the next refresh
	result, err := svc.Refresh(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, metrics.RefreshUpdated, result)
	node, err = svc.Node(ctx, testHash, "Album/CD1")
	require.NoError(t, err)
	assert.Equal(t, filetree.SelectionUnwanted, node.Selection)

	// nothing to change, nothing sent
	changed, err = svc.SetWanted(ctx, testHash, "Album/CD1", false)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Len(t, source.wantedCalls, 1)

	_, err = svc.SetWanted(ctx, testHash, "Album/missing", true)
	require.ErrorIs(t, err, filetree.ErrNotFound)
}

func TestSetWantedRollsBackOnDaemonError(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	source.setErr = errors.New("metadata not downloaded")
	svc := newTestService(t, source)
	ctx := context.Background()

	changed, err := svc.SetWanted(ctx, testHash, "Album", true)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Nil(t, changed)

	node, err := svc.Node(ctx, testHash, "Album")
	require.NoError(t, err)
	assert.Equal(t, filetree.SelectionMixed, node.Selection)
	assert.Equal(t, int64(211), node.WantedSize)
}

func TestSetPriority(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	changed, err := svc.SetPriority(ctx, testHash, "Album/CD1", filetree.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, changed)
	require.Len(t, source.priorityCalls, 1)
	assert.Equal(t, filetree.PriorityHigh, source.priorityCalls[0].priority)

	album, err := svc.Node(ctx, testHash, "Album")
	require.NoError(t, err)
	assert.Equal(t, filetree.PriorityMixed, album.Priority)

	source.setErr = errors.New("forbidden")
	_, err = svc.SetPriority(ctx, testHash, "Album/cover.jpg", filetree.PriorityLow)
	require.ErrorIs(t, err, ErrUpstream)

	cover, err := svc.Node(ctx, testHash, "Album/cover.jpg")
	require.NoError(t, err)
	assert.Equal(t, filetree.PriorityNormal, cover.Priority, "resynchronized from the daemon")
}

func TestSetPriorityKeepsUnwantedFilesSkipped(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	changed, err := svc.SetPriority(ctx, testHash, "Album", filetree.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 4}, changed)
	require.Len(t, source.priorityCalls, 1)
	assert.NotContains(t, source.priorityCalls[0].indexes, 2)

	_, err = svc.Refresh(ctx, testHash)
	require.NoError(t, err)

	view, err := svc.Tree(ctx, testHash, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, view.Unwanted)

	cd2, err := svc.Node(ctx, testHash, "Album/CD2")
	require.NoError(t, err)
	assert.Equal(t, filetree.SelectionUnwanted, cd2.Selection)

	changed, err = svc.SetPriority(ctx, testHash, "Album/CD2", filetree.PriorityHigh)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Len(t, source.priorityCalls, 1)
}

func TestSetPriorityRejectsUnsupportedLevel(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, normalHighSource{source})
	ctx := context.Background()

	_, err := svc.SetPriority(ctx, testHash, "Album", filetree.PriorityLow)
	require.ErrorIs(t, err, ErrPriorityUnsupported)
	assert.Empty(t, source.priorityCalls)

	album, err := svc.Node(ctx, testHash, "Album")
	require.NoError(t, err)
	assert.Equal(t, filetree.PriorityNormal, album.Priority)
}

func TestFailedFirstRefreshIsNotCached(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	_, err := svc.Tree(ctx, "0123456789abcdef", ListOptions{})
	require.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, svc.Hashes())

	_, err = svc.SetWanted(ctx, "0123456789abcdef", "x", true)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, svc.Hashes())

	before := source.fetchCount()
	require.NoError(t, svc.RefreshAll(ctx))
	assert.Equal(t, before, source.fetchCount())

	_, err = svc.Tree(ctx, testHash, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{testHash}, svc.Hashes())
}

func TestChildIndexes(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	indexes, err := svc.ChildIndexes(ctx, testHash, "Album/CD1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indexes)

	indexes, err = svc.ChildIndexes(ctx, testHash, "")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indexes)

	_, err = svc.ChildIndexes(ctx, testHash, "nope")
	require.ErrorIs(t, err, filetree.ErrNotFound)
}

func TestTreeFilter(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	tests := []struct {
		name    string
		filter  string
		want    []string
		wantErr bool
	}{
		{name: "extension", filter: `Ext == "flac"`, want: []string{"Album/CD1/01 - Intro.flac", "Album/CD1/02 - Song.flac", "Album/CD2/01 - Outro.flac"}},
		{name: "unwanted", filter: `!Wanted`, want: []string{"Album/CD2/01 - Outro.flac"}},
		{name: "incomplete_wanted", filter: `Wanted && Progress < 1`, want: []string{"Album/CD1/02 - Song.flac", "Album/notes.txt"}},
		{name: "directory", filter: `Dir == "Album"`, want: []string{"Album/cover.jpg", "Album/notes.txt"}},
		{name: "no_match", filter: `Size > 1000`, want: []string{}},
		{name: "not_boolean", filter: `Size`, wantErr: true},
		{name: "unknown_field", filter: `Bitrate > 3`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			view, err := svc.Tree(ctx, testHash, ListOptions{Filter: tt.filter})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidFilter)
				return
			}
			require.NoError(t, err)

			paths := []string{}
			for _, row := range view.Rows {
				assert.False(t, row.IsDir)
				paths = append(paths, row.FullPath)
			}
			assert.Equal(t, tt.want, paths)
		})
	}
}

func TestCompileFilterCaches(t *testing.T) {
	svc := newTestService(t, newFakeSource())

	first, err := svc.CompileFilter(" Size > 0 ")
	require.NoError(t, err)
	second, err := svc.CompileFilter("Size > 0")
	require.NoError(t, err)
	assert.Same(t, first.program, second.program)
	assert.Equal(t, "Size > 0", second.String())

	_, err = svc.CompileFilter("   ")
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSearch(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	results, err := svc.Search(ctx, testHash, "song", 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "Album/CD1/02 - Song.flac", results[0].Node.FullPath)
	assert.Equal(t, 0, results[0].Score)

	results, err = svc.Search(ctx, testHash, "cdintro", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Album/CD1/01 - Intro.flac", results[0].Node.FullPath)
	assert.Positive(t, results[0].Score)

	results, err = svc.Search(ctx, testHash, "flac", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = svc.Search(ctx, testHash, "", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSelectionState(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)
	ctx := context.Background()

	selected, err := svc.SetSelected(ctx, testHash, []string{"Album/CD2", "Album/notes.txt"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Album/CD2", "Album/notes.txt"}, selected)

	_, err = svc.SetSelected(ctx, testHash, []string{"Album/CD1", "missing"}, true)
	require.ErrorIs(t, err, filetree.ErrNotFound)

	cd1, err := svc.Node(ctx, testHash, "Album/CD1")
	require.NoError(t, err)
	assert.False(t, cd1.Selected, "a rejected batch selects nothing")

	require.NoError(t, svc.ClearSelection(ctx, testHash))
	selected, err = svc.SetSelected(ctx, testHash, nil, true)
	require.NoError(t, err)
	assert.Empty(t, selected)
}

func TestRefreshAllEvictsIdleTrees(t *testing.T) {
	source := newFakeSource()
	source.put("aa", file(0, "a", 1, 0, true))
	source.put("bb", file(0, "b", 1, 0, true))
	svc := newTestService(t, source)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "aa")
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, "bb")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa", "bb"}, svc.Hashes())

	idle, ok := svc.sessions.Get("aa")
	require.True(t, ok)
	idle.lastAccess.Store(time.Now().Add(-time.Hour).UnixNano())

	before := source.fetchCount()
	require.NoError(t, svc.RefreshAll(ctx))
	assert.Equal(t, []string{"bb"}, svc.Hashes())
	assert.Equal(t, before+1, source.fetchCount())
}

func TestDrop(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := newTestService(t, source)

	require.NoError(t, svc.ExpandAll(context.Background(), testHash))
	assert.True(t, svc.Drop(strings.ToUpper(testHash)))
	assert.False(t, svc.Drop(testHash))

	node, err := svc.Node(context.Background(), testHash, "Album")
	require.NoError(t, err)
	assert.False(t, node.Expanded)
}

func TestStartPollsUntilCancelled(t *testing.T) {
	source := newFakeSource()
	source.put(testHash, albumFiles()...)
	svc := NewService(source, Config{PollInterval: 5 * time.Millisecond, FetchDelay: time.Millisecond})
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := svc.Refresh(ctx, testHash)
	require.NoError(t, err)

	svc.Start(ctx)
	assert.Eventually(t, func() bool {
		return source.fetchCount() >= 3
	}, time.Second, 5*time.Millisecond)
}
