package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-relay/admin"
	"github.com/cyberinferno/go-relay/config"
	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
	"github.com/cyberinferno/go-relay/tcpserver"
)

const adminShutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var (
		envFile string
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server until interrupted. Settings come from RELAY_*
environment variables, optionally read from an env file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}

			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}

			if addr != "" {
				cfg.Host, cfg.Port, err = splitAddr(addr)
				if err != nil {
					return err
				}

				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "Read settings from this env file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides RELAY_HOST and RELAY_PORT")

	return cmd
}

// serve wires the server components from cfg and runs them until ctx ends.
func serve(ctx context.Context, cfg config.Config) error {
	logOpts, err := cfg.LoggerOptions(serviceName)
	if err != nil {
		return err
	}

	log, err := logger.New(logOpts)
	if err != nil {
		return err
	}
	defer log.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	directory := registry.New(registry.Options{
		Logger:      log.With(logger.Field{Key: "component", Value: "registry"}),
		Metrics:     m,
		CacheTTL:    cfg.DirectoryCacheTTL,
		Parallelism: cfg.BroadcastParallelism,
	})

	srv := tcpserver.NewTCPServer(tcpserver.Options{
		Name:         serviceName,
		Addr:         cfg.Addr(),
		Logger:       log,
		Registry:     directory,
		Metrics:      m,
		IDGenerator:  idgenerator.NewUUIDGenerator(),
		MaxSessions:  cfg.MaxSessions,
		MaxFrameSize: cfg.MaxFrameSize,
		WriteTimeout: cfg.WriteTimeout,
	})

	if cfg.AdminAddr != "" {
		adminSrv := admin.New(admin.Options{
			Addr:      cfg.AdminAddr,
			Logger:    log.With(logger.Field{Key: "component", Value: "admin"}),
			Directory: directory,
			Gatherer:  reg,
		})
		if err := adminSrv.Start(); err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			if err := adminSrv.Stop(shutdownCtx); err != nil {
				log.Warn("admin server shutdown failed", logger.Err(err))
			}
		}()
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("relay server: %w", err)
	}

	return nil
}

// splitAddr parses a host:port flag. An empty host listens on all
// interfaces.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	if host == "" {
		host = "0.0.0.0"
	}

	return host, port, nil
}
