// busbridge connects an in-process bus to a remote event-bus peer and
// serves health, metrics and records over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busbridge/admin"
	"busbridge/bridge"
	"busbridge/bus"
	"busbridge/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		host       string
		port       int
		codecName  string
		listen     string
		logLevel   string
	)
	flags := pflag.NewFlagSet("busbridge", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&host, "peer-host", "", "peer host (overrides the config file)")
	flags.IntVar(&port, "peer-port", 0, "peer port (overrides the config file)")
	flags.StringVar(&codecName, "codec", "", "frame body codec: json or cbor")
	flags.StringVar(&listen, "http", "", "admin listen address, \"-\" disables it")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Peer.Host = host
	}
	if port != 0 {
		cfg.Peer.Port = port
	}
	if codecName != "" {
		cfg.Peer.Codec = codecName
	}
	switch listen {
	case "":
	case "-":
		cfg.HTTP.Listen = ""
	default:
		cfg.HTTP.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	localBus := bus.NewLocal(logger)
	br, err := bridge.New(ctx, bridge.Options{Config: cfg, Bus: localBus, Registerer: reg, Logger: logger})
	if err != nil {
		return err
	}
	defer br.Close()
	if err := br.Start(); err != nil {
		return err
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           admin.NewRouter(br, reg, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("admin server listening", zap.String("addr", cfg.HTTP.Listen))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("admin server failed", zap.Error(err))
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	return nil
}
