package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/collabvm/collabvm-server/internal/db"
	"github.com/collabvm/collabvm-server/pkg/guac"
	"github.com/collabvm/collabvm-server/pkg/registry"
	"github.com/collabvm/collabvm-server/pkg/server"
)

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Run the server. Flags override the config file; environment
variables with the COLLABVM_ prefix override both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	defaults := server.DefaultConfig()
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file (yaml/toml/json)")
	cmd.Flags().String("listen", defaults.Listen, "Listen address")
	cmd.Flags().String("doc-root", defaults.DocRoot, "Static file root served at /")
	cmd.Flags().String("database", defaults.Database, "SQLite path or postgres:// DSN")
	cmd.Flags().String("recordings-dir", defaults.RecordingsDir, "Directory recordings are written to")
	cmd.Flags().Bool("auto-start-vms", false, "Start VMs flagged auto-start at boot")
	cmd.Flags().StringSlice("trusted-proxies", nil, "IPs/CIDRs whose Forwarded headers are honored")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func loadConfig(cmd *cobra.Command, configFile string) (serveConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return serveConfig{}, err
	}
	v.SetEnvPrefix("COLLABVM")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return serveConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("collabvm")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/collabvm")
		// A missing default config file is fine; flags carry defaults.
		_ = v.ReadInConfig()
	}

	return serveConfig{
		Server: server.Config{
			Listen:         v.GetString("listen"),
			DocRoot:        v.GetString("doc-root"),
			Database:       v.GetString("database"),
			RecordingsDir:  v.GetString("recordings-dir"),
			AutoStartVMs:   v.GetBool("auto-start-vms"),
			TrustedProxies: v.GetStringSlice("trusted-proxies"),
		},
		LogLevel: v.GetString("log-level"),
	}, nil
}

type serveConfig struct {
	Server   server.Config
	LogLevel string
}

func runServe(cfg serveConfig) error {
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.Server.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	conn, err := db.Open(cfg.Server.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(conn); err != nil {
		return err
	}
	store := db.NewStore(conn)

	factory := registry.AgentFactory(func(vmID uint32, address string, recv func(guac.Instruction)) (registry.Agent, error) {
		return guac.DialAgent(address, recv)
	})

	srv, err := server.New(cfg.Server, store, factory, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
