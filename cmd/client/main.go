// Package main implements the otun client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bc183/otun/internal/config"
	"github.com/bc183/otun/internal/tunnelclient"
	"github.com/bc183/otun/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverHost string
	serverPort string
	localHost  string
	localPort  string
	subdomain  string
	noSSL      bool
	insecure   bool
	debug      bool
	noReconnect bool
	maxRetries int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "otun",
		Short: "Expose local services to the internet",
		Long:  `otun is a lightweight tunnel that exposes local services to the public internet.`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun " + version.Full())
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port> or http <host:port>",
		Short: "Expose a local HTTP service",
		Long: `Expose a local HTTP service to the internet.

Examples:
  otun http 3000                      # Expose localhost:3000
  otun http 8080 -s myapp             # Expose localhost:8080 with subdomain "myapp"
  otun http localhost:8080            # Expose localhost:8080
  otun http 192.168.1.10:3000         # Expose a service on your network`,
		Args: cobra.ExactArgs(1),
		Run:  runHTTP,
	}

	httpCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ~/.otun.yaml)")
	httpCmd.Flags().StringVar(&serverHost, "server", "tunnel.otun.dev", "Tunnel server host")
	httpCmd.Flags().StringVar(&serverPort, "server-port", "8000", "Tunnel server control port")
	httpCmd.Flags().StringVar(&localHost, "local", "127.0.0.1", "Local service host")
	httpCmd.Flags().StringVar(&localPort, "local-port", "", "Local service port (default: the positional <port> argument)")
	httpCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "Custom subdomain (random if not specified)")
	httpCmd.Flags().BoolVar(&noSSL, "no-ssl", false, "Disable TLS on the control connection")
	httpCmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	httpCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	httpCmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Disable automatic reconnection")
	httpCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum reconnection attempts (0 = unlimited)")

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHTTP(cmd *cobra.Command, args []string) {
	file, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	cfg := file.Client

	// CLI flags override the config file only when explicitly set.
	if cfg.Server != "" && !cmd.Flags().Changed("server") {
		serverHost = cfg.Server
	}
	if cfg.ServerPort != "" && !cmd.Flags().Changed("server-port") {
		serverPort = cfg.ServerPort
	}
	if cfg.Local != "" && !cmd.Flags().Changed("local") {
		localHost = cfg.Local
	}
	if cfg.LocalPort != "" && !cmd.Flags().Changed("local-port") {
		localPort = cfg.LocalPort
	}
	if cfg.Subdomain != "" && !cmd.Flags().Changed("subdomain") {
		subdomain = cfg.Subdomain
	}
	if cfg.NoSSL != nil && !cmd.Flags().Changed("no-ssl") {
		noSSL = *cfg.NoSSL
	}
	if cfg.Insecure != nil && !cmd.Flags().Changed("insecure") {
		insecure = *cfg.Insecure
	}
	if cfg.Debug != nil && !cmd.Flags().Changed("debug") {
		debug = *cfg.Debug
	}
	if cfg.Reconnect != nil && !cmd.Flags().Changed("no-reconnect") {
		noReconnect = !*cfg.Reconnect
	}
	if cfg.MaxRetries != nil && !cmd.Flags().Changed("max-retries") {
		maxRetries = *cfg.MaxRetries
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	localAddr := args[0]
	if localPort != "" {
		localAddr = localPort
	}
	if !strings.Contains(localAddr, ":") {
		if _, err := strconv.Atoi(localAddr); err == nil {
			host := localHost
			if host == "" {
				host = "127.0.0.1"
			}
			localAddr = host + ":" + localAddr
		}
	}

	serverAddr := serverHost
	if serverPort != "" {
		serverAddr = serverHost + ":" + serverPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := tunnelclient.New(serverAddr, localAddr).
		WithTLS(!noSSL).
		WithInsecureSkipVerify(insecure).
		WithReconnect(!noReconnect).
		WithMaxRetries(maxRetries)

	if subdomain != "" {
		c = c.WithSubdomain(subdomain)
	}
	if d, err := time.ParseDuration(cfg.HeartbeatInterval); err == nil {
		c = c.WithHeartbeat(d, 0)
	}
	if d, err := time.ParseDuration(cfg.HeartbeatTimeout); err == nil {
		c = c.WithHeartbeat(0, d)
	}
	if d, err := time.ParseDuration(cfg.RequestTimeout); err == nil {
		c = c.WithRequestTimeout(d)
	}
	if cfg.InFlightLimit != nil {
		c = c.WithInFlightLimit(*cfg.InFlightLimit)
	}

	err = c.RunWithReconnect(ctx)

	if errors.Is(err, tunnelclient.ErrShutdown) {
		log.Info("Shutting down...")
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
