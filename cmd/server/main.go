package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "Real-time chat relay over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var cfgPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	return cmd
}

func checkCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: listening on %s, store %s, blobs %s, max transfer %s\n",
				cfg.Server.Address, cfg.Store.Driver, cfg.Blob.Driver, cfg.Transfer.MaxSize)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := server.OpenStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	blobs, err := server.OpenBlobs(cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(cfg, st, blobs, server.WithLogger(log), server.WithPrometheus(reg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting relay",
		zap.String("addr", cfg.Server.Address),
		zap.String("store", cfg.Store.Driver),
		zap.String("blobs", cfg.Blob.Driver),
	)
	return srv.Run(ctx)
}
