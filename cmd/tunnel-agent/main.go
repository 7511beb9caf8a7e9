// Command tunnel-agent hosts the agent supervisor on a machine
// exposing local services (spec §4.8): it brings up a P2P or relay
// transport to the broker and proxies HTTP/WebSocket traffic to the
// upstreams named in its config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tunnelforge/relaycore/internal/agent"
	"github.com/tunnelforge/relaycore/internal/config"
	"github.com/tunnelforge/relaycore/internal/logger"
	"github.com/tunnelforge/relaycore/internal/settings"
)

const statusInterval = 5 * time.Second

func main() {
	var configPath, logLevel, logFile string

	root := &cobra.Command{
		Use:   "tunnel-agent",
		Short: "exposes local services through the tunnel transport core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "tunnel-agent.yaml", "agent config path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file")

	root.AddCommand(
		runCmd(&configPath, &logLevel, &logFile),
		loginCmd(),
		logoutCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func store() (*settings.FileStore, error) {
	dir, err := config.EnsureUserDir()
	if err != nil {
		return nil, fmt.Errorf("prepare user dir: %w", err)
	}
	return settings.NewFileStore(dir), nil
}

func runCmd(configPath, logLevel, logFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the agent and hold it connected until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(*logLevel, *logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.LoadAgent(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store()
			if err != nil {
				return err
			}

			sup := agent.New(cfg, st, logger.Log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("%w (run 'tunnel-agent login' first)", err)
			}

			watchDone := make(chan struct{})
			go config.Watch(*configPath, logger.Log, watchDone, func() {
				reloaded, err := config.LoadAgent(*configPath)
				if err != nil {
					logger.Warn("config reload failed, keeping previous upstream map", "error", err)
					return
				}
				sup.SetUpstreams(reloaded.Upstreams)
				logger.Info("reloaded upstream map", "count", len(reloaded.Upstreams))
			})
			defer close(watchDone)

			isTTY := term.IsTerminal(int(os.Stdout.Fd()))
			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					fmt.Println()
					logger.Info("shutting down")
					sup.Stop()
					return nil
				case <-ticker.C:
					printStatus(sup.Status(), isTTY)
				}
			}
		},
	}
}

func printStatus(st agent.Status, isTTY bool) {
	line := fmt.Sprintf("mode=%s transport=%s device=%s", st.Mode, st.Transport, st.DeviceID)
	if isTTY {
		width := 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
		fmt.Printf("\r%-*s", width, line)
		return
	}
	logger.Info("status", "mode", st.Mode, "transport", st.Transport, "device_id", st.DeviceID)
}

func loginCmd() *cobra.Command {
	var signalingURL, deviceID, token, user string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "store the credentials the agent attaches to signaling with",
		RunE: func(cmd *cobra.Command, args []string) error {
			if signalingURL == "" || token == "" {
				return fmt.Errorf("--signaling-url and --token are required")
			}
			if deviceID == "" {
				deviceID = uuid.NewString()
				fmt.Printf("no --device-id given, generated %s\n", deviceID)
			}
			st, err := store()
			if err != nil {
				return err
			}
			state := &settings.AuthState{
				Bearer:       token,
				DeviceID:     deviceID,
				SignalingURL: signalingURL,
				UserHandle:   user,
			}
			if err := st.Save(state); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Println("logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&signalingURL, "signaling-url", "", "signaling broker URL, e.g. wss://broker.example/signal")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "this device's id")
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued by the directory service")
	cmd.Flags().StringVar(&user, "user", "", "user handle, for display only")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store()
			if err != nil {
				return err
			}
			if err := st.Clear(); err != nil {
				return fmt.Errorf("clear credentials: %w", err)
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show stored credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store()
			if err != nil {
				return err
			}
			state, err := st.Load()
			if err != nil {
				return fmt.Errorf("load credentials: %w", err)
			}
			if state == nil {
				fmt.Println("not logged in")
				return nil
			}
			fmt.Printf("device_id:     %s\nsignaling_url: %s\nuser:          %s\n",
				state.DeviceID, state.SignalingURL, state.UserHandle)
			fmt.Println("(live connection state is only available from 'tunnel-agent run' output)")
			return nil
		},
	}
}
