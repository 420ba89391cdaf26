// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version       string
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	BaseURL       string `toml:"baseUrl"`
	LogLevel      string `toml:"logLevel"`
	LogPath       string `toml:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups"`

	QbittorrentHost          string `toml:"qbittorrentHost"`
	QbittorrentUsername      string `toml:"qbittorrentUsername"`
	QbittorrentPassword      string `toml:"qbittorrentPassword"`
	QbittorrentBasicUsername string `toml:"qbittorrentBasicUsername"`
	QbittorrentBasicPassword string `toml:"qbittorrentBasicPassword"`
	QbittorrentTLSSkipVerify bool   `toml:"qbittorrentTLSSkipVerify"`

	// PollInterval and TreeIdleTTL are in seconds.
	PollInterval int `toml:"pollInterval"`
	TreeIdleTTL  int `toml:"treeIdleTTL"`

	MetricsEnabled        bool   `toml:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers"`
}

func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) TreeIdleTTLDuration() time.Duration {
	return time.Duration(c.TreeIdleTTL) * time.Second
}
