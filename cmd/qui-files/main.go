// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/qui-files/internal/api"
	"github.com/autobrr/qui-files/internal/buildinfo"
	"github.com/autobrr/qui-files/internal/config"
	"github.com/autobrr/qui-files/internal/domain"
	"github.com/autobrr/qui-files/internal/filetree"
	"github.com/autobrr/qui-files/internal/metainfo"
	"github.com/autobrr/qui-files/internal/metrics"
	"github.com/autobrr/qui-files/internal/qbittorrent"
	"github.com/autobrr/qui-files/internal/services/filetrees"
)

// defaultInstanceID is the pool slot of the configured qBittorrent instance.
const defaultInstanceID = 1

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "qui-files",
		Short: "Cached torrent file trees for qBittorrent",
		Long: `qui-files - keeps a cached, incrementally refreshed file tree per torrent
and serves it over HTTP with wanted/priority propagation to qBittorrent.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunTreeCommand())
	rootCmd.AddCommand(RunInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/qui-files/ or %APPDATA%\\qui-files\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version information of qui-files",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qui-files/config.toml
- Windows: %APPDATA%\qui-files\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	} else {
		fmt.Fprint(os.Stderr, prompt)
		var password string
		if _, err := fmt.Scanln(&password); err != nil {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return password, nil
	}
}

func qbittorrentConfig(cfg *domain.Config) qbittorrent.Config {
	return qbittorrent.Config{
		Host:          cfg.QbittorrentHost,
		Username:      cfg.QbittorrentUsername,
		Password:      cfg.QbittorrentPassword,
		BasicUsername: cfg.QbittorrentBasicUsername,
		BasicPassword: cfg.QbittorrentBasicPassword,
		TLSSkipVerify: cfg.QbittorrentTLSSkipVerify,
	}
}

func RunTreeCommand() *cobra.Command {
	var configDir, output string
	var askPassword bool

	command := &cobra.Command{
		Use:   "tree <hash>",
		Short: "Print the file tree of a torrent in qBittorrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			qbtCfg := qbittorrentConfig(cfg.Config)
			if askPassword || (qbtCfg.Password == "" && term.IsTerminal(int(os.Stdin.Fd()))) {
				password, err := readPassword("qBittorrent password: ")
				if err != nil {
					return err
				}
				qbtCfg.Password = password
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			client, err := qbittorrent.NewClient(ctx, defaultInstanceID, qbtCfg)
			if err != nil {
				return errors.Wrap(err, "connect to qBittorrent")
			}

			snap, err := client.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}

			tree := filetree.New(snap.Identity)
			if err := tree.Parse(snap, false); err != nil {
				return err
			}

			return printTree(cmd.OutOrStdout(), tree, output)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or yaml")
	command.Flags().BoolVar(&askPassword, "ask-password", false, "prompt for the qBittorrent password")

	return command
}

func RunInspectCommand() *cobra.Command {
	var output string

	command := &cobra.Command{
		Use:   "inspect <file.torrent>",
		Short: "Print the file tree of a .torrent file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			torrent, err := metainfo.LoadFile(args[0])
			if err != nil {
				return err
			}

			tree, err := torrent.Tree()
			if err != nil {
				return err
			}

			return printTree(cmd.OutOrStdout(), tree, output)
		},
	}

	command.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or yaml")

	return command
}

type Application struct {
	configDir string
	logPath   string
}

func NewApplication(configDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.logPath != "" {
		os.Setenv("QUIFILES__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting qui-files")

	// Initialize qBittorrent client pool
	clientPool := qbittorrent.NewClientPool(map[int]qbittorrent.Config{
		defaultInstanceID: qbittorrentConfig(cfg.Config),
	})
	defer clientPool.Close()

	source := clientPool.Source(defaultInstanceID)

	treeService := filetrees.NewService(source, filetrees.Config{
		PollInterval:  cfg.Config.PollIntervalDuration(),
		IdleTTL:       cfg.Config.TreeIdleTTLDuration(),
		FetchAttempts: filetrees.DefaultConfig().FetchAttempts,
		FetchDelay:    filetrees.DefaultConfig().FetchDelay,
		Concurrency:   filetrees.DefaultConfig().Concurrency,
	})
	defer treeService.Close()

	pollCtx, pollCancel := context.WithCancel(context.Background())
	defer pollCancel()
	treeService.Start(pollCtx)

	currentQbt, startPoll := qbittorrentConfig(cfg.Config), cfg.Config.PollInterval
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		if next := qbittorrentConfig(conf); next != currentQbt {
			currentQbt = next
			clientPool.UpdateInstance(defaultInstanceID, next)
			log.Info().Str("host", next.Host).Msg("qBittorrent settings changed, reconnecting")
		}
		if conf.PollInterval != startPoll {
			log.Warn().Msg("Poll interval changes take effect after a restart")
		}
	})

	// Connect on startup so the first tree request does not pay the login
	go func() {
		connCtx, connCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer connCancel()

		if _, err := clientPool.GetClient(connCtx, defaultInstanceID); err != nil {
			log.Warn().Err(err).Str("host", cfg.Config.QbittorrentHost).Msg("Failed to connect to qBittorrent on startup")
		} else {
			log.Info().Str("host", cfg.Config.QbittorrentHost).Msg("Connected to qBittorrent")
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:    cfg.Config,
		Version:   buildinfo.Version,
		FileTrees: treeService,
		Health:    source,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewServer(
			cfg.Config.MetricsHost,
			cfg.Config.MetricsPort,
			cfg.Config.MetricsBasicAuthUsers,
		)

		// Start metrics server on separate port
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	pollCancel()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}

	log.Info().Msg("Server stopped")
}
