package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracklab/internal/service"
)

var portFilename string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run the SDK service process",
	Long: "service hosts the record pipeline for SDK clients. It listens on a\n" +
		"loopback socket, writes the address to the port file for the parent\n" +
		"process to discover, and exits after a teardown request.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runService(ctx, slog.Default())
	},
}

func init() {
	serviceCmd.Flags().StringVar(&portFilename, "port-filename", "", "file to write the listener address to")
	_ = serviceCmd.MarkFlagRequired("port-filename")
}

func runService(ctx context.Context, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("service: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := service.WritePortfile(portFilename, port, ""); err != nil {
		ln.Close()
		return err
	}
	logger.Info("tracklab service listening", "version", version, "port", port)

	srv := service.NewServer(logger)

	// A signal closes the server, which makes Serve return. Teardown from a
	// client closes it the same way.
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil {
		return err
	}
	logger.Info("tracklab service stopped")
	return nil
}
