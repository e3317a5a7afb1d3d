// Package main implements the otun server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc183/otun/internal/config"
	"github.com/bc183/otun/internal/server"
	"github.com/bc183/otun/internal/version"
)

func main() {
	host := flag.String("host", "0.0.0.0", "Bind address for both listeners")
	controlPort := flag.String("control-port", "8000", "Control port for tunnel client connections")
	httpPort := flag.String("http-port", "80", "HTTP port for public traffic")
	domain := flag.String("domain", "", "Base domain for tunnels (e.g., tunnel.example.com). If empty, runs in local/dev mode.")
	noSSL := flag.Bool("no-ssl", false, "Disable TLS on the control listener")
	cert := flag.String("cert", "", "TLS certificate file (required unless --no-ssl)")
	key := flag.String("key", "", "TLS private key file (required unless --no-ssl)")
	configPath := flag.String("config", "", "Path to config file (default: ~/.otun.yaml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("otun-server " + version.Full())
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	explicit := explicitFlags()

	file, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid config file", "error", err)
		os.Exit(2)
	}
	sc := file.Server

	if sc.Host != "" && !explicit["host"] {
		*host = sc.Host
	}
	if sc.ControlPort != "" && !explicit["control-port"] {
		*controlPort = sc.ControlPort
	}
	if sc.HTTPPort != "" && !explicit["http-port"] {
		*httpPort = sc.HTTPPort
	}
	if sc.Domain != "" && !explicit["domain"] {
		*domain = sc.Domain
	}
	if sc.NoSSL != nil && !explicit["no-ssl"] {
		*noSSL = *sc.NoSSL
	}
	if sc.Cert != "" && !explicit["cert"] {
		*cert = sc.Cert
	}
	if sc.Key != "" && !explicit["key"] {
		*key = sc.Key
	}

	cfg := server.Config{
		Host:            *host,
		ControlPort:     *controlPort,
		HTTPPort:        *httpPort,
		Domain:          *domain,
		UseSSL:          !*noSSL,
		CertFile:        *cert,
		KeyFile:         *key,
		RedactAddresses: boolValue(sc.RedactAddresses),
	}
	if sc.HeartbeatTimeout != "" {
		if d, err := time.ParseDuration(sc.HeartbeatTimeout); err == nil {
			cfg.HeartbeatTimeout = d
		}
	}
	if sc.RequestTimeout != "" {
		if d, err := time.ParseDuration(sc.RequestTimeout); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if sc.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *sc.MaxBodyBytes
	}

	if cfg.UseSSL && (cfg.CertFile == "" || cfg.KeyFile == "") {
		slog.Error("--cert and --key are required unless --no-ssl is set")
		os.Exit(2)
	}

	srv := server.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
			os.Exit(1)
		}
	}
}

// explicitFlags reports which flags the operator actually passed on the
// command line, so config file values only fill in the gaps (mirrors the
// otun client's cobra .Changed() check; stdlib flag needs flag.Visit).
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func boolValue(p *bool) bool {
	return p != nil && *p
}
