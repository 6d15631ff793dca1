// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command telehooper bridges VK dialogues into Telegram group chats and
// forum topics. Each linked VK account is polled over longpoll and its
// dialogues are mirrored into the hub chats they are bound to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/connector"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		noSave     bool
	)
	cmd := &cobra.Command{
		Use:          "telehooper",
		Short:        "A VK to Telegram dialogue bridge",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, !noSave)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file.")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Don't write the upgraded config back to disk.")
	return cmd
}

// loadConfig upgrades the config file to the current layout and parses it.
func loadConfig(path string, save bool) (*connector.Config, error) {
	cfg := &connector.Config{}
	_, _, upgrader := cfg.GetConfig()
	data, _, err := up.Do(path, save, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *connector.Config, log zerolog.Logger) (*store.Store, error) {
	if cfg.Database.Path == "" {
		log.Warn().Msg("No database path configured, state will not survive restarts")
		return store.New(store.NewMemoryBackend()), nil
	}
	backend, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return store.New(backend), nil
}

func run(ctx context.Context, cfg *connector.Config) error {
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting telehooper")

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	sender, err := hub.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.APIEndpoint, nil, log)
	if err != nil {
		return fmt.Errorf("failed to log in to Telegram: %w", err)
	}
	added, _ := sender.ReloadMinibots(cfg.Telegram.Minibots)
	log.Info().Int64("main_bot_id", sender.MainBotID()).Int("minibots", added).Msg("Logged in to Telegram")

	bridge := connector.NewBridge(cfg, connector.Options{
		Store:      st,
		Hub:        sender,
		MainBotID:  sender.MainBotID(),
		Minibots:   sender,
		Files:      sender,
		Transcoder: attachment.FFmpeg{},
	}, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = bridge.Start(ctx); err != nil {
		return err
	}
	go bridge.RunUpdates(ctx, sender.MainBot())

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	bridge.Stop()
	return nil
}
