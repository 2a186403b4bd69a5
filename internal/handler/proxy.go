package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/internal/middleware"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// ProxyOptions configures the upstream side of the proxy
type ProxyOptions struct {
	// ResponseHeaderTimeout bounds the wait for upstream response headers
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
	InsecureSkipVerify    bool
	// RootCAs overrides the system roots when verifying upstream certificates
	RootCAs *x509.CertPool
}

type decisionKey struct{}

// ProxyHandler forwards requests to the backend chosen by the router. Upstream
// connections use TLS with the domain as SNI and as the Host header.
type ProxyHandler struct {
	router  domain.Router
	options ProxyOptions
	proxy   *httputil.ReverseProxy
	logger  *logger.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(router domain.Router, options ProxyOptions, log *logger.Logger) *ProxyHandler {
	if options.MaxIdleConnsPerHost <= 0 {
		options.MaxIdleConnsPerHost = 32
	}

	h := &ProxyHandler{
		router:     router,
		options:    options,
		logger:     log.ProxyLogger(),
		transports: make(map[string]*http.Transport),
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    roundTripperFunc(h.roundTrip),
		ErrorHandler: h.upstreamError,
	}
	return h
}

// ServeHTTP routes the request by its Host header and proxies it
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	decision, err := h.router.Route(r.Host)
	if err != nil {
		h.writeProxyError(w, r, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"request_id": middleware.RequestIDFromContext(r.Context()),
		"domain":     decision.SNI,
		"backend":    decision.Address.String(),
	}).Debug("Selected backend for request")

	ctx := context.WithValue(r.Context(), decisionKey{}, decision)
	h.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// CloseIdleConnections closes idle upstream connections of every transport
func (h *ProxyHandler) CloseIdleConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.transports {
		t.CloseIdleConnections()
	}
}

func (h *ProxyHandler) rewrite(pr *httputil.ProxyRequest) {
	decision, _ := pr.In.Context().Value(decisionKey{}).(domain.UpstreamDecision)

	scheme := "http"
	if decision.TLS {
		scheme = "https"
	}
	pr.Out.URL.Scheme = scheme
	pr.Out.URL.Host = decision.Address.String()
	pr.Out.Host = decision.SNI
	pr.SetXForwarded()
}

func (h *ProxyHandler) roundTrip(req *http.Request) (*http.Response, error) {
	decision, ok := req.Context().Value(decisionKey{}).(domain.UpstreamDecision)
	if !ok {
		return nil, errors.New("request carries no upstream decision")
	}
	return h.transportFor(decision.SNI).RoundTrip(req)
}

// transportFor returns the transport dedicated to one SNI name, creating it on first use
func (h *ProxyHandler) transportFor(sni string) *http.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.transports[sni]; ok {
		return t
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			ServerName:         sni,
			RootCAs:            h.options.RootCAs,
			InsecureSkipVerify: h.options.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
		MaxIdleConnsPerHost:   h.options.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: h.options.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if _, err := http2.ConfigureTransports(t); err != nil {
		h.logger.WithError(err).WithField("domain", sni).Warn("HTTP/2 unavailable for upstream, using HTTP/1.1")
	}

	h.transports[sni] = t
	return t
}

// ForgetDomain drops the transport of a removed domain and closes its idle
// connections. Requests still in flight keep their connections.
func (h *ProxyHandler) ForgetDomain(sni string) {
	h.mu.Lock()
	t, ok := h.transports[sni]
	delete(h.transports, sni)
	h.mu.Unlock()

	if ok {
		t.CloseIdleConnections()
		h.logger.WithField("domain", sni).Debug("Dropped upstream transport")
	}
}

// upstreamError handles failures talking to the selected backend
func (h *ProxyHandler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		h.logger.WithField("request_id", middleware.RequestIDFromContext(r.Context())).
			Debug("Client went away before the upstream answered")
		return
	}

	decision, _ := r.Context().Value(decisionKey{}).(domain.UpstreamDecision)
	proxyErr := lberrors.WrapError(err, lberrors.ErrCodeUpstreamFailed, "proxy", "Upstream request failed").
		WithMetadata("domain", decision.SNI).
		WithMetadata("backend", decision.Address.String())
	h.writeProxyError(w, r, proxyErr)
}

// writeProxyError answers with the status mapped from the error and its text as body
func (h *ProxyHandler) writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := lberrors.GetHTTPStatusCode(err)

	entry := h.logger.WithError(err).WithFields(map[string]interface{}{
		"request_id":  middleware.RequestIDFromContext(r.Context()),
		"host":        r.Host,
		"status_code": status,
		"error_code":  string(lberrors.GetErrorCode(err)),
	})
	if status >= http.StatusInternalServerError {
		entry.Warn("Failed to proxy request")
	} else {
		entry.Info("Rejected request")
	}

	http.Error(w, err.Error(), status)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
