// Package main provides the CLI entry point for the gridwire protocol
// engine: a single long-running "run" command that authenticates, opens
// the primary circuit, drives the connect sequence to completion, and then
// services façade operations (chat, agent updates, teleport) for the
// lifetime of the process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/gridwire/internal/auth"
	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/dispatch"
	"github.com/postalsys/gridwire/internal/identity"
	"github.com/postalsys/gridwire/internal/logging"
	"github.com/postalsys/gridwire/internal/metrics"
	"github.com/postalsys/gridwire/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "gridwire",
		Short:   "gridwire - virtual-world client protocol engine",
		Long:    "gridwire authenticates against a grid, opens a reliable LLUDP circuit to a region, and drives the session lifecycle described in the protocol engine's design.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath   string
		password     string
		chatOnStart  string
		rateLimitStr string
		teleportAddr string
		teleportAt   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and service the session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if password != "" {
				cfg.Grid.Password = password
			}
			if rateLimitStr != "" {
				bytesPerSec, err := humanize.ParseBytes(rateLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --rate-limit %q: %w", rateLimitStr, err)
				}
				cfg.Circuit.OutboundBytesPerSecond = int64(bytesPerSec)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			m := metrics.NewMetrics()

			if cfg.Agent.MetricsAddr != "" {
				go serveMetrics(cfg.Agent.MetricsAddr, logger)
			}

			o := orchestrator.New(cfg, logger, m)

			events, unsubscribe := o.Subscribe()
			defer unsubscribe()
			go logEvents(logger, events)

			creds := auth.Credentials{
				FirstName: cfg.Grid.FirstName,
				LastName:  cfg.Grid.LastName,
				Password:  cfg.Grid.Password,
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := o.Connect(ctx, creds); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			logger.Info("connected", logging.KeyAgentID, creds.FirstName+" "+creds.LastName)

			if chatOnStart != "" {
				if err := o.SendChat(chatOnStart, 0, 1); err != nil {
					logger.Warn("initial chat send failed", logging.KeyError, err.Error())
				}
			}

			if teleportAddr != "" {
				destEndpoint, err := net.ResolveUDPAddr("udp4", teleportAddr)
				if err != nil {
					return fmt.Errorf("invalid --teleport-addr %q: %w", teleportAddr, err)
				}
				destHandle, err := parseRegionHandle(teleportAt)
				if err != nil {
					return err
				}
				if err := o.Teleport(destEndpoint, destHandle); err != nil {
					logger.Warn("teleport rejected", logging.KeyError, err.Error())
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutting down")

			return o.Disconnect()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./gridwire.yaml", "path to configuration file")
	cmd.Flags().StringVar(&password, "password", "", "grid password (overrides config; prefer the config file or an env var expansion)")
	cmd.Flags().StringVar(&chatOnStart, "chat", "", "send this local-chat message once connected")
	cmd.Flags().StringVar(&rateLimitStr, "rate-limit", "", "cap outbound circuit throughput, e.g. 256KB (overrides config)")
	cmd.Flags().StringVar(&teleportAddr, "teleport-addr", "", "neighbour simulator ip:port to cross into once connected")
	cmd.Flags().StringVar(&teleportAt, "teleport-handle", "", "destination region handle, as a uint64 or \"gridX,gridY\"")

	return cmd
}

// logEvents renders WorldEvents to the structured logger until the
// subscription channel closes on Disconnect. A subscriber that falls behind
// receives an EventLagged event with the skipped count; its channel stays
// open.
func logEvents(logger logging.Logger, events <-chan dispatch.WorldEvent) {
	for ev := range events {
		switch ev.Kind {
		case dispatch.EventChat:
			logger.Info("chat", logging.KeyEvent, ev.Kind.String(), "data", ev.Data)
		case dispatch.EventConnectionStatus:
			status, _ := ev.Data.(dispatch.ConnectionStatus)
			logger.Info("connection status", logging.KeyEvent, ev.Kind.String(), "connected", status.Connected, "reason", status.Reason)
		case dispatch.EventLagged:
			lagged, _ := ev.Data.(dispatch.LaggedInfo)
			logger.Warn("event subscriber lagging", logging.KeyEvent, ev.Kind.String(), logging.KeyCount, lagged.Skipped)
		case dispatch.EventErrorOccurred:
			logger.Warn("world error", logging.KeyEvent, ev.Kind.String(), logging.KeyError, fmt.Sprint(ev.Data))
		default:
			logger.Debug("world event", logging.KeyEvent, ev.Kind.String())
		}
	}
}

// serveMetrics exposes the Prometheus exposition format for external
// scraping; a failure to bind is logged but does not bring down the
// session since metrics are diagnostic, not load-bearing.
func serveMetrics(addr string, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("metrics endpoint listening", logging.KeyLocalAddr, addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", logging.KeyError, err.Error())
	}
}

// hashPasswordCmd exposes auth.HashPassword so an operator can precompute
// the "$1$<md5-hex>" form for a config file without embedding the
// plaintext password in shell history any longer than necessary.
func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <plaintext>",
		Short: "Print the login password hash for a plaintext password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(auth.HashPassword(args[0]))
			return nil
		},
	}
}

// parseRegionHandle accepts either a raw uint64 or "x,y" grid coordinates
// (each a region-grid unit, not a meter position) and returns the encoded
// handle, matching the textual form operators use when naming a neighbour
// region for a manual teleport.
func parseRegionHandle(s string) (identity.RegionHandle, error) {
	if x, y, ok := strings.Cut(s, ","); ok {
		// Each grid unit is 256m; the handle halves are meters and must
		// fit in 32 bits.
		gx, err := strconv.ParseUint(x, 10, 24)
		if err != nil {
			return 0, fmt.Errorf("invalid grid x %q: %w", x, err)
		}
		gy, err := strconv.ParseUint(y, 10, 24)
		if err != nil {
			return 0, fmt.Errorf("invalid grid y %q: %w", y, err)
		}
		return identity.RegionHandle((gx*256)<<32 | gy*256), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid region handle %q: %w", s, err)
	}
	return identity.RegionHandle(v), nil
}
