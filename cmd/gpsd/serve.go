package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mark-sch/GpsdTracking/componentregistry"
	"github.com/mark-sch/GpsdTracking/config"
	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/daemon"
)

// loadConfig reads the configuration file and applies the logging flags.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", g.configPath, err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)
			logger.Info("Starting gpsd", "build_time", BuildTime, "config_path", g.configPath,
				"services", cfg.ServiceNames())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapters, backends, err := componentregistry.Registries()
			if err != nil {
				return err
			}
			d, err := daemon.New(ctx, cfg, adapters, backends, logger)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
}

func validateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			adapters, backends, err := componentregistry.Registries()
			if err != nil {
				return err
			}
			if !contains(backends.Names(), cfg.Backend.Type) {
				return fmt.Errorf("unknown backend %q, available: %v", cfg.Backend.Type, backends.Names())
			}

			out := cmd.OutOrStdout()
			for _, name := range cfg.ServiceNames() {
				svc := cfg.Services[name]
				if !contains(adapters.Names(), svc.Adapter) {
					return fmt.Errorf("service %q: unknown adapter %q, available: %v", name, svc.Adapter, adapters.Names())
				}
				_, _ = fmt.Fprintf(out, "  %-16s %-10s %-18s %s\n", name, svc.Adapter, svc.Mode, svc.Address)
			}
			_, _ = fmt.Fprintf(out, "%s %s (backend %s)\n", color.GreenString("✓"), g.configPath, cfg.Backend.Type)
			return nil
		},
	}
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter configuration (.json, .yaml or .yml)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			if err := starterConfig().SaveToFile(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

// starterConfig listens for GPS103 trackers and NMEA sources and keeps
// positions in memory.
func starterConfig() *config.Config {
	cfg := config.Default()
	cfg.Services["tk102"] = config.ServiceConfig{
		Adapter: "gps103",
		Mode:    controller.ModePersistentServer,
		Address: ":5001",
		Info:    "GPS103/TK102 trackers",
	}
	cfg.Services["nmea"] = config.ServiceConfig{
		Adapter: "nmea183",
		Mode:    controller.ModePersistentServer,
		Address: ":5000",
		Info:    "NMEA 0183 over TCP",
	}
	cfg.Services["console"] = config.ServiceConfig{
		Adapter: "telnet",
		Mode:    controller.ModePersistentServer,
		Address: "127.0.0.1:5555",
	}
	return cfg
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// commandContext bounds client commands.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), clientTimeout)
}
