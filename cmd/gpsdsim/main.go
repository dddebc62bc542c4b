// Package main implements gpsdsim, a device simulator that replays a GPX
// route as NMEA $GPRMC or AIS !AIVDM sentences. It either connects to a
// tracking daemon like a tracker would, or listens and broadcasts to any
// client such as a chart plotter.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dolmen-go/contextio"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type flags struct {
	opts      Options
	host      string
	port      int
	listen    string
	dump      string
	loop      time.Duration
	reconnect time.Duration
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	var mmsi uint32
	cmd := &cobra.Command{
		Use:   "gpsdsim <route.gpx>",
		Short: "Replay a GPX route as a GPS tracker or an AIS transponder",
		Long: `gpsdsim walks a GPX route at a fixed speed and emits one position per tick.

Examples:
  gpsdsim --proto gprmc --port 5000 morbihan.gpx
  gpsdsim --proto aivdm --class B --mmsi 227000001 --listen :4001 morbihan.gpx`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.opts.MMSI = mmsi
			if f.opts.ShipName == "" {
				f.opts.ShipName = "Gpsd" + strconv.FormatUint(uint64(mmsi), 10)
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: parseLevel(f.logLevel)}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f, args[0], logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.opts.Proto, "proto", ProtoRMC, "Sentence type: gprmc or aivdm")
	fl.StringVar(&f.opts.Class, "class", "A", "AIS class: A or B")
	fl.Uint32Var(&mmsi, "mmsi", 123456789, "Device id and AIS MMSI")
	fl.Float64Var(&f.opts.Speed, "speed", 12, "Speed over ground in knots")
	fl.DurationVar(&f.opts.Tick, "tick", 10*time.Second, "Interval between two positions")
	fl.StringVar(&f.opts.ShipName, "shipname", "", "AIS vessel name (default Gpsd<mmsi>)")
	fl.StringVar(&f.opts.CallSign, "callsign", "", "AIS call sign")
	fl.IntVar(&f.opts.Cargo, "cargo", 36, "AIS ship and cargo type")
	fl.IntVar(&f.opts.Length, "length", 15, "Vessel length in metres")
	fl.IntVar(&f.opts.Width, "width", 4, "Vessel beam in metres")
	fl.StringVar(&f.host, "host", "127.0.0.1", "Daemon host in client mode")
	fl.IntVar(&f.port, "port", 5000, "Daemon port in client mode")
	fl.StringVar(&f.listen, "listen", "", "Listen on this address and broadcast instead of connecting")
	fl.StringVar(&f.dump, "dump", "", "Also append every sentence to this file")
	fl.DurationVar(&f.loop, "loop", 0, "Restart the route after this pause; 0 plays it once")
	fl.DurationVar(&f.reconnect, "reconnect", 10*time.Second, "Delay between two connection attempts")
	fl.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn, error")
	return cmd
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func run(ctx context.Context, f *flags, path string, logger *slog.Logger) error {
	name, route, err := LoadRoute(ctx, path)
	if err != nil {
		return err
	}
	sim, err := NewSimulator(f.opts, name, route, logger)
	if err != nil {
		return err
	}
	logger.Info("Route loaded", "name", name, "waypoints", len(route), "fixes", sim.Len(),
		"proto", f.opts.Proto, "mmsi", f.opts.MMSI)

	var dump io.Writer
	if f.dump != "" {
		file, err := os.OpenFile(f.dump, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer file.Close()
		dump = contextio.NewWriter(ctx, file)
	}

	pass := func() error {
		addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))
		return RunClient(ctx, sim, addr, f.reconnect, dump)
	}
	if f.listen != "" {
		srv, err := Listen(ctx, f.listen, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
		logger.Info("Broadcasting", "address", srv.Addr().String())
		pass = func() error {
			return sim.Play(ctx, func(lines []string) error {
				if dump != nil {
					_ = write(dump, nil, lines)
				}
				return srv.Broadcast(lines)
			})
		}
	}

	for {
		err := pass()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("Route complete", "sentences", sim.Sent())
		if f.loop <= 0 {
			return nil
		}
		if err := sleep(ctx, f.loop); err != nil {
			if stderrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		sim.Rewind()
	}
}
