package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tqsync/internal/binding"
	"tqsync/internal/channel"
	"tqsync/internal/config"
	"tqsync/internal/dedup"
	"tqsync/internal/domain"
	"tqsync/internal/format"
	"tqsync/internal/idmap"
	"tqsync/internal/media"
	"tqsync/internal/metrics"
	"tqsync/internal/relay"
	"tqsync/internal/retry"
	"tqsync/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "tqsync",
		Short: "tqsync: Telegram / QQ group message relay",
		Long:  "tqsync mirrors messages between one Telegram group chat and one QQ group, speaking to QQ through a OneBot v11 endpoint (NapCat, go-cqhttp, ...).",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.tqsync/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Install or remove the background service",
	}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			fmt.Printf("Edit %s with your Telegram token/chat id and OneBot endpoint, then run 'tqsync run'.\n", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tqsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tqsync v%s\n", version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay",
		Long:  "Connects both platforms and relays messages until interrupted.",
		RunE:  runRelay,
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. qq.groupId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := yaml.Marshal(val)
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sync.cooldownSeconds 2)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (credentials masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := yaml.Marshal(config.Sanitize(cfg))
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.General.LogLevel),
	}))

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	telegram, err := channel.NewTelegram(channel.TelegramConfig{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	qq := channel.NewOneBot(channel.OneBotConfig{
		WSURL:       cfg.QQ.WSURL,
		APIURL:      cfg.QQ.APIURL,
		AccessToken: cfg.QQ.AccessToken,
		GroupID:     cfg.QQ.GroupID,
		Logger:      logger,
	})
	senders := map[domain.Platform]domain.Sender{
		domain.PlatformTelegram: telegram,
		domain.PlatformQQ:       qq,
	}

	var fetcher *media.Fetcher
	if cfg.Sync.EnableMediaRelay {
		fetcher, err = media.NewFetcher(media.Config{Dir: cfg.MediaDir(), Logger: logger})
		if err != nil {
			return fmt.Errorf("media dir: %w", err)
		}
	}

	ids := idmap.New(idmap.Config{Logger: logger})
	guard := dedup.NewGuard(
		time.Duration(cfg.Sync.DedupTTLSeconds)*time.Second,
		time.Duration(cfg.Sync.CooldownSeconds)*time.Second,
	)
	registry := binding.NewRegistry(binding.Config{
		CodeTTL:     time.Duration(cfg.Binding.CodeTTLSeconds) * time.Second,
		MaxAttempts: cfg.Binding.MaxAttempts,
		Store:       db,
		Logger:      logger,
	})

	// Replayed sends go through the same door as direct ones; the staged
	// media file is only released once a retried send finally lands.
	queue := retry.NewQueue(retry.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseDelay:    time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		PollInterval: time.Duration(cfg.Retry.PollSeconds) * time.Second,
		Store:        db,
		Logger:       logger,
		Send: func(ctx context.Context, p domain.OutboundPayload) error {
			s, ok := senders[p.Platform]
			if !ok {
				return &domain.SendError{Platform: p.Platform, Permanent: true, Err: fmt.Errorf("no sender for platform %q", p.Platform)}
			}
			_, err := relay.Deliver(ctx, s, p)
			if err == nil && p.MediaPath != "" && fetcher != nil {
				fetcher.Remove(p.MediaPath)
			}
			return err
		},
	})

	engine, err := relay.NewEngine(relay.Config{
		Telegram:         telegram,
		QQ:               qq,
		Formatter:        format.New(format.Options{ReplyFormat: cfg.Sync.EnableReplyFormat}),
		Guard:            guard,
		IDMap:            ids,
		Bindings:         registry,
		Retry:            queue,
		Fetcher:          fetcher,
		FilterPrefix:     cfg.Sync.FilterPrefix,
		FilterKeywords:   cfg.Sync.FilterKeywords,
		MaxMessageLength: cfg.Sync.MaxMessageLength,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		defer wg.Done()
		if err := telegram.Run(ctx, engine.HandleInbound); err != nil {
			logger.Error("telegram adapter error", "err", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := qq.Run(ctx, engine.HandleInbound); err != nil {
			logger.Error("onebot adapter error", "err", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		queue.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		ids.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		registry.Start(ctx)
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "port", cfg.Metrics.Port)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	logger.Info("relay started",
		"telegram_chat", cfg.Telegram.ChatID,
		"qq_group", cfg.QQ.GroupID,
		"media_relay", cfg.Sync.EnableMediaRelay,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	// Loops drain on cancellation; the store closes after they stop.
	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	return shutdownErr
}
