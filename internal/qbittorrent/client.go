// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	filePriorityMinVersion = semver.MustParse("2.2.0")
	fileIndexMinVersion    = semver.MustParse("2.8.2")
)

const minHealthCheckInterval = 20 * time.Second

// filesAPI is the subset of the qBittorrent WebAPI the file tree needs.
type filesAPI interface {
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	SetFilePriorityCtx(ctx context.Context, hash string, IDs string, priority int) error
}

// Config describes how to reach one qBittorrent instance.
type Config struct {
	Host          string
	Username      string
	Password      string
	BasicUsername string
	BasicPassword string
	TLSSkipVerify bool
	Timeout       time.Duration
}

type Client struct {
	*qbt.Client
	api                  filesAPI
	instanceID           int
	webAPIVersion        string
	supportsFilePriority bool
	supportsFileIndex    bool
	lastHealthCheck      time.Time
	isHealthy            bool
	mu                   sync.RWMutex
	healthMu             sync.RWMutex
}

// NewClient logs into the instance and detects which file operations it
// supports.
func NewClient(ctx context.Context, instanceID int, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	qbtCfg := qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(cfg.Timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.BasicUsername != "" {
		qbtCfg.BasicUser = cfg.BasicUsername
		qbtCfg.BasicPass = cfg.BasicPassword
	}

	qbtClient := qbt.NewClient(qbtCfg)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	client := &Client{
		Client:          qbtClient,
		api:             qbtClient,
		instanceID:      instanceID,
		lastHealthCheck: time.Now(),
		isHealthy:       true,
	}

	if err := client.RefreshCapabilities(ctx); err != nil {
		log.Warn().
			Err(err).
			Int("instanceID", instanceID).
			Str("host", cfg.Host).
			Msg("Failed to refresh qBittorrent capabilities during client creation")
		client.updateHealthStatus(false)
	}

	log.Debug().
		Int("instanceID", instanceID).
		Str("host", cfg.Host).
		Str("webAPIVersion", client.GetWebAPIVersion()).
		Bool("supportsFilePriority", client.SupportsFilePriority()).
		Bool("tlsSkipVerify", cfg.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.mu.Lock()
	c.applyCapabilitiesLocked(version)
	c.mu.Unlock()
	return nil
}

func (c *Client) applyCapabilitiesLocked(version string) {
	c.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Int("instanceID", c.instanceID).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	c.supportsFilePriority = !v.LessThan(filePriorityMinVersion)
	c.supportsFileIndex = !v.LessThan(fileIndexMinVersion)
}

func (c *Client) SupportsFilePriority() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsFilePriority
}

// SupportsFileIndex reports whether the instance returns explicit file
// indexes in the files endpoint.
func (c *Client) SupportsFileIndex() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsFileIndex
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}
