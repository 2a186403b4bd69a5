// Package server runs the public proxy listener. It serves HTTP/1.1 and
// HTTP/2, either over TLS or as cleartext h2c.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mir00r/domain-proxy/pkg/logger"
)

// Options configures the listener
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// CertFile and KeyFile enable TLS termination when both are set
	CertFile string
	KeyFile  string

	// H2C accepts cleartext HTTP/2 when TLS is off
	H2C bool
}

// ProxyServer wraps the http.Server of the proxy listener
type ProxyServer struct {
	options    Options
	httpServer *http.Server
	logger     *logger.Logger
}

// New configures a server for handler. HTTP/2 is enabled for TLS listeners
// and, with H2C, for plain ones.
func New(options Options, handler http.Handler, log *logger.Logger) (*ProxyServer, error) {
	h2 := &http2.Server{
		MaxConcurrentStreams: 1000,
		MaxReadFrameSize:     1 << 20,
		IdleTimeout:          options.IdleTimeout,
	}

	srv := &http.Server{
		Addr:         options.Addr,
		Handler:      handler,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
		IdleTimeout:  options.IdleTimeout,
	}

	s := &ProxyServer{
		options:    options,
		httpServer: srv,
		logger:     log.WithField("component", "proxy_server"),
	}

	switch {
	case s.TLSEnabled():
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := http2.ConfigureServer(srv, h2); err != nil {
			return nil, err
		}
	case options.H2C:
		srv.Handler = h2c.NewHandler(handler, h2)
	}

	return s, nil
}

// TLSEnabled reports whether the listener terminates TLS
func (s *ProxyServer) TLSEnabled() bool {
	return s.options.CertFile != "" && s.options.KeyFile != ""
}

// ListenAndServe listens on the configured address and serves until Shutdown
func (s *ProxyServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis. It returns nil after Shutdown.
func (s *ProxyServer) Serve(lis net.Listener) error {
	s.logger.WithFields(map[string]interface{}{
		"addr":        lis.Addr().String(),
		"tls_enabled": s.TLSEnabled(),
		"h2c":         s.options.H2C && !s.TLSEnabled(),
	}).Info("Starting proxy server")

	var err error
	if s.TLSEnabled() {
		err = s.httpServer.ServeTLS(lis, s.options.CertFile, s.options.KeyFile)
	} else {
		err = s.httpServer.Serve(lis)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for active requests
func (s *ProxyServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown proxy server")
		return err
	}
	return nil
}
