// Command pimd is the PIM storage server daemon: it loads the
// configuration, assembles the services, and serves the wire protocol on
// a unix socket (and optionally TCP).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pimd/pimd/internal/config"
	"github.com/pimd/pimd/internal/server"
	"github.com/pimd/pimd/internal/store"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "pimd",
		Short:   "pimd is a personal-information-management storage server",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server and listen for client sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer srv.Shutdown(context.Background())
			return srv.ListenAndServe(ctx)
		},
	}

	configShow := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "SizeThreshold:   %s (%d bytes)\n",
				humanize.Bytes(uint64(cfg.SizeThreshold())), cfg.SizeThreshold())
			fmt.Fprintf(out, "UnixSocket:      %s\n", cfg.UnixSocket())
			if addr := cfg.TCPAddress(); addr != "" {
				fmt.Fprintf(out, "TCPAddress:      %s\n", addr)
			}
			fmt.Fprintf(out, "StoragePath:     %s\n", cfg.StoragePath())
			fmt.Fprintf(out, "MinimumInterval: %s\n", cfg.MinimumInterval())
			fmt.Fprintf(out, "DefaultInterval: %s\n", cfg.DefaultInterval())
			if ep := cfg.OTLPEndpoint(); ep != "" {
				fmt.Fprintf(out, "OTLPEndpoint:    %s\n", ep)
			}
			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(configShow)

	seed := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Apply a YAML fixture to a fresh database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fixture, err := store.LoadSeed(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.StoragePath())
			if err != nil {
				return err
			}
			defer st.Close()
			return fixture.Apply(ctx, st)
		},
	}

	root.AddCommand(serve, configCmd, seed)
	return root
}
