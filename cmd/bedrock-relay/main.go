// Package main provides the CLI entry point for the Bedrock relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/bedrock-relay/internal/codec"
	"github.com/postalsys/bedrock-relay/internal/config"
	"github.com/postalsys/bedrock-relay/internal/relay"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
	"github.com/postalsys/bedrock-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bedrock-relay",
		Short: "Bedrock Relay - intercepting relay for Minecraft Bedrock",
		Long: `Bedrock Relay sits between Minecraft Bedrock clients and a server.

It terminates the client connection, negotiates the codec, logs in to
the server on the client's behalf and forwards game packets both ways
through a chain of listeners that can observe or swallow them.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath string
		targetAddr string
		defaults   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a relay configuration",
		Long:  "Run the interactive setup wizard, or write a default configuration with --defaults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !defaults {
				_, err := wizard.New().Run()
				if !errors.Is(err, wizard.ErrNotInteractive) {
					return err
				}
				fmt.Fprintln(os.Stderr, "No terminal detected, writing defaults")
			}

			if targetAddr == "" {
				return fmt.Errorf("--target is required with --defaults")
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}

			a := wizard.DefaultAnswers()
			a.ConfigPath = configPath
			a.Target = targetAddr
			_, err := wizard.Finish(a)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to write")
	cmd.Flags().StringVarP(&targetAddr, "target", "t", "", "Target server for non-interactive setup")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Skip the wizard and write defaults")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}
			defer app.Close()

			fmt.Printf("Starting Bedrock relay %s...\n", Version)

			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			fmt.Printf("Listening on %s (%s), relaying to %s\n",
				app.relay.Addr(), cfg.Relay.Transport, cfg.Relay.Target)
			if app.health != nil {
				fmt.Printf("Health endpoint: http://%s/health\n", app.health.Address())
			}

			<-ctx.Done()
			fmt.Printf("\nShutting down...\n")

			return app.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func pingCmd() *cobra.Command {
	var (
		transportName string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Query a server's discovery status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := target.ParseAddress(args[0])
			if err != nil {
				return err
			}

			tr, err := transport.New(transport.Type(transportName))
			if err != nil {
				return err
			}
			pinger, ok := tr.(transport.Pinger)
			if !ok {
				return fmt.Errorf("transport %s does not support ping", transportName)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			data, err := pinger.Ping(ctx, addr.String())
			if err != nil {
				return fmt.Errorf("ping %s: %w", addr, err)
			}
			rtt := time.Since(start)

			st, err := relay.ParseStatus(data)
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s\n", addr, st.MOTD)
			fmt.Printf("  Version:  %s (protocol %d)\n", st.Version, st.Protocol)
			fmt.Printf("  Players:  %d/%d\n", st.Online, st.Max)
			if st.GameMode != "" {
				fmt.Printf("  Mode:     %s\n", st.GameMode)
			}
			fmt.Printf("  Latency:  %s\n", rtt.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&transportName, "transport", string(transport.TypeRakNet), "Transport to ping over")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Ping timeout")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and supported protocols",
		Run: func(cmd *cobra.Command, args []string) {
			table := codec.DefaultTable()
			newest := table.Newest()
			fmt.Printf("bedrock-relay %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Printf("Protocols %d to %d (game %s)\n", table.Oldest(), newest.Protocol, newest.GameVersion)
		},
	}
}
