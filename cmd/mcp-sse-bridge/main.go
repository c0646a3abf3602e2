package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-sse-bridge/internal/bridge"
	"github.com/ggoodman/mcp-sse-bridge/internal/config"
	"github.com/ggoodman/mcp-sse-bridge/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

type flags struct {
	configPath string
	port       int
	publicURL  string
	logFormat  string
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "mcp-sse-bridge",
		Short:         "Expose a stdio MCP server to HTTP clients over Server-Sent Events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd, &f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to a TOML configuration file")
	root.PersistentFlags().IntVarP(&f.port, "port", "p", 0, "HTTP port (overrides PORT)")
	root.PersistentFlags().StringVar(&f.publicURL, "public-url", "", "externally reachable base URL advertised in the endpoint event")
	root.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "log format: json, text or dev")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Start the upstream once and print its tool list as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd, &f)
			if err != nil {
				return err
			}
			return printTools(cmd.Context(), cfg, log)
		},
	})

	return root
}

func load(cmd *cobra.Command, f *flags) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	pf := cmd.Flags()
	if pf.Changed("port") {
		cfg.Port = f.port
		cfg.ListenAddr = ""
	}
	if pf.Changed("public-url") {
		cfg.PublicURL = f.publicURL
	}
	if pf.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if pf.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(os.Stderr, logging.Format(cfg.Log.Format), level)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bridge.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("bridge.close.fail", slog.String("err", err.Error()))
		}
	}()

	log.InfoContext(ctx, "bridge.start",
		slog.String("addr", cfg.Addr()),
		slog.String("upstream", cfg.Upstream.Command),
		slog.String("sessions_backend", cfg.Sessions.Backend),
	)
	return app.Run(ctx)
}

func printTools(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	app, err := bridge.New(cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(app.Tools().InitTools(ctx))
}
