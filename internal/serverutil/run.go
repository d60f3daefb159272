// Package serverutil drives an http.Server's listener through startup and
// shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is called with the bound address once the listener accepts
	// connections.
	Ready  func(net.Addr)
	Logger *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails. On cancellation it
// stops accepting connections and waits up to ShutdownTimeout for in-flight
// requests. Downloads still streaming after that are cut off with
// Server.Close so their jobs fail and release their scratch files.
func Run(ctx context.Context, cfg Config) error {
	srv := cfg.Server
	if srv == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(srv, cfg.TLS)
	if err != nil {
		return err
	}
	logger.Info("listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logger.Warn("shutdown deadline reached, aborting in-flight downloads")
		if err := srv.Close(); err != nil {
			return err
		}
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func listen(srv *http.Server, tlsFiles TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	if tlsFiles.CertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(tlsFiles.CertFile, tlsFiles.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := srv.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	srv.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
