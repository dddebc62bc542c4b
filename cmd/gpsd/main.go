// Package main implements gpsd, the tracking daemon and its command line
// client. "gpsd serve" runs the daemon; the other commands talk to a running
// one through its HTTP API.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gpsd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	api        string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:     appName,
		Short:   "Multi-protocol GPS and AIS tracking daemon",
		Version: fmt.Sprintf("%s (%s)", Version, BuildTime),
		Long: `gpsd accepts position reports from GPS trackers, NMEA sources and AIS
feeds, stores them in a pluggable backend and queues commands back to the
devices.

Examples:
  gpsd serve -c /etc/gpsd/gpsd.yaml
  gpsd devices --api http://tracker:8080
  gpsd send 359710043551135 GET_POS
  gpsd watch --kinds accept`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", getEnv("GPSD_CONFIG", "gpsd.yaml"),
		"Path to the configuration file (env: GPSD_CONFIG)")
	flags.StringVar(&g.logLevel, "log-level", "", "Override log.level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "Override log.format: json, text")
	flags.StringVar(&g.api, "api", getEnv("GPSD_API", "http://127.0.0.1:8080"),
		"Base URL of a running daemon (env: GPSD_API)")

	root.AddCommand(
		serveCmd(g),
		validateCmd(g),
		configCmd(g),
		devicesCmd(g),
		trackCmd(g),
		sendCmd(g),
		logoutCmd(g),
		watchCmd(g),
	)
	return root
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
