// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-files/internal/filetree"
)

var (
	ErrClientNotFound = errors.New("qBittorrent instance not configured")
	ErrPoolClosed     = errors.New("client pool is closed")
)

// Backoff constants
const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 10 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

type clientFactory func(ctx context.Context, instanceID int, cfg Config) (*Client, error)

// ClientPool manages qBittorrent client connections for the configured instances.
// Clients are created on first use and recreated after failures once the
// backoff period has passed.
type ClientPool struct {
	instances      map[int]Config
	clients        map[int]*Client
	newClient      clientFactory
	mu             sync.RWMutex
	creationMu     sync.Mutex          // Serialize client creation operations
	creationLocks  map[int]*sync.Mutex // Per-instance creation locks
	closed         bool
	healthTicker   *time.Ticker
	stopHealth     chan struct{}
	failureTracker map[int]*failureInfo
}

// NewClientPool creates a new client pool
func NewClientPool(instances map[int]Config) *ClientPool {
	cp := newClientPool(instances, NewClient)

	// Start health check routine
	go cp.healthCheckLoop()

	return cp
}

func newClientPool(instances map[int]Config, factory clientFactory) *ClientPool {
	configs := make(map[int]Config, len(instances))
	for id, cfg := range instances {
		configs[id] = cfg
	}

	return &ClientPool{
		instances:      configs,
		clients:        make(map[int]*Client),
		newClient:      factory,
		creationLocks:  make(map[int]*sync.Mutex),
		healthTicker:   time.NewTicker(healthCheckInterval),
		stopHealth:     make(chan struct{}),
		failureTracker: make(map[int]*failureInfo),
	}
}

// getInstanceLock gets or creates a per-instance creation lock
func (cp *ClientPool) getInstanceLock(instanceID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[instanceID] = lock
	return lock
}

// GetClient returns a healthy qBittorrent client for the given instance ID
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (*Client, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	cp.mu.RUnlock()

	if exists {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			return nil, errors.Wrap(err, "client healthcheck failed")
		}
		return client, nil
	}

	return cp.createClient(ctx, instanceID)
}

func (cp *ClientPool) createClient(ctx context.Context, instanceID int) (*Client, error) {
	// Use per-instance lock to prevent blocking other instances
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	cp.mu.RLock()
	cfg, configured := cp.instances[instanceID]
	inBackoff := cp.isInBackoffLocked(instanceID)
	cp.mu.RUnlock()

	if !configured {
		return nil, ErrClientNotFound
	}

	if inBackoff {
		return nil, fmt.Errorf("instance %d is in backoff period, will retry later", instanceID)
	}

	// Double-check if client was created while we were waiting for the lock
	cp.mu.RLock()
	if client, exists := cp.clients[instanceID]; exists && client.IsHealthy() {
		cp.mu.RUnlock()
		return client, nil
	}
	cp.mu.RUnlock()

	client, err := cp.newClient(ctx, instanceID, cfg)
	if err != nil {
		cp.trackFailure(instanceID, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	cp.clients[instanceID] = client
	cp.resetFailureTrackingLocked(instanceID)
	cp.mu.Unlock()

	log.Info().Int("instanceID", instanceID).Str("host", cfg.Host).Msg("Connected to qBittorrent instance")

	return client, nil
}

// UpdateInstance replaces the connection settings of an instance. The
// current client is dropped and the next call connects with the new settings.
func (cp *ClientPool) UpdateInstance(instanceID int, cfg Config) {
	cp.mu.Lock()
	cp.instances[instanceID] = cfg
	cp.resetFailureTrackingLocked(instanceID)
	cp.mu.Unlock()

	cp.RemoveClient(instanceID)
}

// RemoveClient removes a client from the pool
func (cp *ClientPool) RemoveClient(instanceID int) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()

	cp.mu.Lock()
	delete(cp.clients, instanceID)
	cp.mu.Unlock()

	instanceLock.Unlock()

	// Clean up the per-instance lock after unlocking to prevent memory leaks
	cp.creationMu.Lock()
	delete(cp.creationLocks, instanceID)
	cp.creationMu.Unlock()

	log.Info().Int("instanceID", instanceID).Msg("Removed client from pool")
}

// healthCheckLoop periodically checks the health of all clients
func (cp *ClientPool) healthCheckLoop() {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

func (cp *ClientPool) performHealthChecks() {
	cp.mu.RLock()
	clients := make([]*Client, 0, len(cp.clients))
	for _, client := range cp.clients {
		clients = append(clients, client)
	}
	cp.mu.RUnlock()

	for _, client := range clients {
		instanceID := client.GetInstanceID()

		// Skip if recently checked
		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		if cp.isInBackoff(instanceID) {
			continue
		}

		go func(client *Client, instanceID int) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Msg("Health check failed")
				cp.trackFailure(instanceID, err)
			} else {
				cp.ResetFailureTracking(instanceID)
			}
		}(client, instanceID)
	}
}

// Close stops the health checks and drops all clients
func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}

	cp.closed = true
	close(cp.stopHealth)
	cp.healthTicker.Stop()

	for id := range cp.clients {
		delete(cp.clients, id)
	}
	cp.failureTracker = make(map[int]*failureInfo)

	log.Info().Msg("Client pool closed")
	return nil
}

// isInBackoff checks if an instance is in backoff period
func (cp *ClientPool) isInBackoff(instanceID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.isInBackoffLocked(instanceID)
}

// isInBackoffLocked checks if an instance is in backoff period (caller must hold lock)
func (cp *ClientPool) isInBackoffLocked(instanceID int) bool {
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// trackFailure records a failure and applies exponential backoff
func (cp *ClientPool) trackFailure(instanceID int, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[instanceID] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking for successful connections
func (cp *ClientPool) ResetFailureTracking(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetFailureTrackingLocked(instanceID)
}

func (cp *ClientPool) resetFailureTrackingLocked(instanceID int) {
	if _, exists := cp.failureTracker[instanceID]; exists {
		delete(cp.failureTracker, instanceID)
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}

// Source returns the file snapshot source backed by one pooled instance.
func (cp *ClientPool) Source(instanceID int) *InstanceSource {
	return &InstanceSource{pool: cp, instanceID: instanceID}
}

// InstanceSource resolves the pooled client on every call so a reconnect
// after a failure is picked up transparently.
type InstanceSource struct {
	pool       *ClientPool
	instanceID int
}

func (s *InstanceSource) InstanceID() int {
	return s.instanceID
}

func (s *InstanceSource) Snapshot(ctx context.Context, hash string) (filetree.Snapshot, error) {
	client, err := s.pool.GetClient(ctx, s.instanceID)
	if err != nil {
		return filetree.Snapshot{}, err
	}
	return client.Snapshot(ctx, hash)
}

func (s *InstanceSource) SetFilesWanted(ctx context.Context, hash string, indexes []int, wanted bool) error {
	client, err := s.pool.GetClient(ctx, s.instanceID)
	if err != nil {
		return err
	}
	return client.SetFilesWanted(ctx, hash, indexes, wanted)
}

func (s *InstanceSource) SetFilesPriority(ctx context.Context, hash string, indexes []int, p filetree.Priority) error {
	client, err := s.pool.GetClient(ctx, s.instanceID)
	if err != nil {
		return err
	}
	return client.SetFilesPriority(ctx, hash, indexes, p)
}

func (s *InstanceSource) SupportsPriority(p filetree.Priority) bool {
	return SupportsPriority(p)
}

func (s *InstanceSource) existingClient() (*Client, bool) {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	client, ok := s.pool.clients[s.instanceID]
	return client, ok
}

// IsHealthy reports the last known state without contacting the daemon.
func (s *InstanceSource) IsHealthy() bool {
	client, ok := s.existingClient()
	return ok && client.IsHealthy()
}

func (s *InstanceSource) GetLastHealthCheck() time.Time {
	if client, ok := s.existingClient(); ok {
		return client.GetLastHealthCheck()
	}
	return time.Time{}
}
