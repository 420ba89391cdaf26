// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-files/internal/filetree"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{name: "first_attempt", attempts: 1, want: initialBackoff},
		{name: "second_attempt", attempts: 2, want: 2 * initialBackoff},
		{name: "third_attempt", attempts: 3, want: 4 * initialBackoff},
		{name: "capped", attempts: 10, want: maxBackoff},
		{name: "huge", attempts: 200, want: maxBackoff},
		{name: "zero", attempts: 0, want: initialBackoff},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempts, initialBackoff, maxBackoff))
		})
	}
}

func TestIsBanError(t *testing.T) {
	assert.False(t, isBanError(nil))
	assert.False(t, isBanError(errors.New("connection refused")))
	assert.True(t, isBanError(errors.New("Your IP is banned")))
	assert.True(t, isBanError(errors.New("unexpected status 403")))
}

func TestClientPoolCreatesClientOnce(t *testing.T) {
	api := &fakeFilesAPI{files: &qbt.TorrentFiles{{Name: "a/b", Size: 2, Progress: 1, Priority: 1}}}
	calls := 0
	pool := newClientPool(map[int]Config{1: {Host: "http://localhost:8080"}}, func(ctx context.Context, instanceID int, cfg Config) (*Client, error) {
		calls++
		return newTestClient(api, "2.11.0"), nil
	})
	defer pool.Close()

	first, err := pool.GetClient(context.Background(), 1)
	require.NoError(t, err)
	second, err := pool.GetClient(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	snap, err := pool.Source(1).Snapshot(context.Background(), "HASH")
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, []string{"a", "b"}, snap.Files[0].Path)

	require.NoError(t, pool.Source(1).SetFilesPriority(context.Background(), "hash", []int{0}, filetree.PriorityHigh))
	assert.Equal(t, []priorityCall{{hash: "hash", ids: "0", priority: priorityHigh}}, api.calls)
}

func TestClientPoolBackoffAfterFailure(t *testing.T) {
	calls := 0
	pool := newClientPool(map[int]Config{1: {Host: "http://localhost:8080"}}, func(ctx context.Context, instanceID int, cfg Config) (*Client, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	defer pool.Close()

	_, err := pool.GetClient(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, pool.isInBackoff(1))

	_, err = pool.GetClient(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
	assert.Equal(t, 1, calls)

	pool.ResetFailureTracking(1)
	assert.False(t, pool.isInBackoff(1))
}

func TestClientPoolUnknownInstance(t *testing.T) {
	pool := newClientPool(nil, func(ctx context.Context, instanceID int, cfg Config) (*Client, error) {
		t.Fatal("factory must not be called for unknown instances")
		return nil, nil
	})
	defer pool.Close()

	_, err := pool.GetClient(context.Background(), 7)
	require.ErrorIs(t, err, ErrClientNotFound)

	require.NoError(t, pool.Close())
	_, err = pool.GetClient(context.Background(), 7)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestClientPoolUpdateInstanceReconnects(t *testing.T) {
	api := &fakeFilesAPI{files: &qbt.TorrentFiles{}}
	var hosts []string
	pool := newClientPool(map[int]Config{1: {Host: "http://old:8080"}}, func(ctx context.Context, instanceID int, cfg Config) (*Client, error) {
		hosts = append(hosts, cfg.Host)
		return newTestClient(api, "2.11.0"), nil
	})
	defer pool.Close()

	first, err := pool.GetClient(context.Background(), 1)
	require.NoError(t, err)

	pool.trackFailure(1, errors.New("connection refused"))
	pool.UpdateInstance(1, Config{Host: "http://new:8080"})
	assert.False(t, pool.isInBackoff(1))

	second, err := pool.GetClient(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, []string{"http://old:8080", "http://new:8080"}, hosts)
}
