// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luxfi/renderfarm/config"
	"github.com/luxfi/renderfarm/node"
	"github.com/luxfi/renderfarm/rflog"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "renderfarmd",
	Short: "renderfarmd is a peer-to-peer render-farm cluster node",
	Long: `renderfarmd runs the full render-farm node: LAN peer discovery, ring
leader election, the ordered control channel, and the job coordinator,
worker, and client roles. Every node runs the same program; any node
may act as submitter, leader, or renderer for a given job.`,
}

func main() {
	rootCmd.AddCommand(runCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		bindIP     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the render-farm node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath, bindIP, cmd)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults are used if omitted)")
	cmd.Flags().StringVar(&bindIP, "bind-ip", "", "this node's stable ip (auto-detected if empty)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the renderfarmd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func runNode(configPath, bindIP string, cmd *cobra.Command) error {
	logger := rflog.New("renderfarmd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("renderfarmd: load config: %w", err)
	}

	if bindIP == "" {
		bindIP, err = detectSelfIP()
		if err != nil {
			return fmt.Errorf("renderfarmd: detect bind ip: %w", err)
		}
	}

	n, err := node.New(cfg, bindIP, logger)
	if err != nil {
		return fmt.Errorf("renderfarmd: construct node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("renderfarmd: start node: %w", err)
	}
	logger.Info("node started", "bind_ip", bindIP, "http_port", cfg.HTTPPort)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()
	return n.Stop(shutdownCtx)
}

// detectSelfIP picks the first non-loopback IPv4 address on the host,
// mirroring how the discovery service enumerates its own interfaces.
func detectSelfIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
