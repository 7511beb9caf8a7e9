// Command tunneld runs the signaling and relay brokers in one process
// (spec §4.6, §4.7): it accepts device attachments on /signal, pairs
// fallback data-plane sockets on /relay/{session_id}, and serves the
// ICE-server list agents bootstrap from.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/tunnelforge/relaycore/internal/auth"
	"github.com/tunnelforge/relaycore/internal/config"
	"github.com/tunnelforge/relaycore/internal/logger"
	"github.com/tunnelforge/relaycore/internal/relaybroker"
	"github.com/tunnelforge/relaycore/internal/signaling"
)

func main() {
	var configPath, addrFlag, logLevel, logFile string

	root := &cobra.Command{
		Use:   "tunneld",
		Short: "signaling and relay broker for the tunnel transport core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addrFlag, logLevel, logFile)
		},
	}
	root.Flags().StringVar(&configPath, "config", "tunneld.yaml", "broker config path")
	root.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().StringVar(&logFile, "log-file", "", "also append logs to this file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, addrFlag, logLevel, logFile string) error {
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.LoadBroker(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}
	if cfg.JWTSecret == "" {
		logger.Warn("no jwt_secret configured; using the built-in development secret")
		cfg.JWTSecret = devSecret()
	}

	var iceServers atomic.Pointer[[]config.ICEServer]
	ice := cfg.ICEServers
	iceServers.Store(&ice)

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret))
	directory := auth.NewMemoryDirectory()

	sigRegistry := signaling.NewRegistry()
	sigServer := signaling.NewServer(sigRegistry, validator, directory, logger.Log)

	relayRegistry := relaybroker.NewRegistry()
	relayServer := relaybroker.NewServer(relayRegistry, validator, logger.Log)
	relayServer.OnMetering = func(m relaybroker.Metering) {
		logger.Info("metering",
			"session_id", m.SessionID,
			"duration", m.Duration,
			"total_bytes", m.Total,
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/signal", sigServer)
	mux.Handle("/relay/{session_id}", relayServer)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"signal_sessions": sigRegistry.Count(),
			"relay_sessions":  relayRegistry.Count(),
		})
	})
	mux.HandleFunc("GET /ice-servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ice_servers": *iceServers.Load()})
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	watchDone := make(chan struct{})
	go config.Watch(configPath, logger.Log, watchDone, func() {
		reloaded, err := config.LoadBroker(configPath)
		if err != nil {
			logger.Warn("config reload failed, keeping previous ICE server list", "error", err)
			return
		}
		servers := reloaded.ICEServers
		iceServers.Store(&servers)
		logger.Info("reloaded ICE server list", "count", len(servers))
	})
	defer close(watchDone)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tunneld listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return httpSrv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func devSecret() string {
	return "tunneld-dev-secret-change-me"
}
