package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/internal/middleware"
	"github.com/mir00r/domain-proxy/internal/service"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

const maxAdminBodyBytes = 64 << 10

// DomainControl is the control surface the admin API drives
type DomainControl interface {
	AddDomain(ctx context.Context, name string) error
	AddDomainAndWait(ctx context.Context, name string) error
	RemoveDomain(ctx context.Context, name string) error
	RemoveDomainAndWait(ctx context.Context, name string) error
	ListDomains() []service.DomainAddress
}

// AdminOptions configures the admin router
type AdminOptions struct {
	// WaitTimeout bounds requests made with ?wait=true
	WaitTimeout time.Duration
	MetricsPath string
	Metrics     http.Handler
	RateLimiter *middleware.RateLimiter
	Auth        *middleware.TokenAuth
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	control     DomainControl
	workerDone  <-chan struct{}
	waitTimeout time.Duration
	logger      *logger.Logger
	startTime   time.Time
}

// DomainRequest is the body of POST and DELETE /domain
type DomainRequest struct {
	Domain string `json:"domain"`
}

// HealthResponse represents the admin health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Domains   int       `json:"domains"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(control DomainControl, workerDone <-chan struct{}, waitTimeout time.Duration, log *logger.Logger) *AdminHandler {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &AdminHandler{
		control:     control,
		workerDone:  workerDone,
		waitTimeout: waitTimeout,
		logger:      log.AdminLogger(),
		startTime:   time.Now(),
	}
}

// NewAdminRouter builds the admin HTTP surface with its middleware stack
func NewAdminRouter(h *AdminHandler, options AdminOptions, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(log), middleware.LoggingMiddleware(log))
	if options.RateLimiter != nil {
		r.Use(options.RateLimiter.RateLimitMiddleware())
	}
	r.Use(options.Auth.Middleware())

	r.HandleFunc("/", h.HelloHandler).Methods(http.MethodGet)
	r.HandleFunc("/domain", h.ListDomainsHandler).Methods(http.MethodGet)
	r.HandleFunc("/domain", h.AddDomainHandler).Methods(http.MethodPost)
	r.HandleFunc("/domain", h.RemoveDomainHandler).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	if options.Metrics != nil {
		path := options.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, options.Metrics).Methods(http.MethodGet)
	}

	return r
}

// HelloHandler handles GET /
func (h *AdminHandler) HelloHandler(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Hello from the domain-proxy admin service!")
}

// ListDomainsHandler handles GET /domain
func (h *AdminHandler) ListDomainsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.ListDomains())
}

// AddDomainHandler handles POST /domain. With ?wait=true it answers once the
// domain is resolved and installed, or with the resolution error.
func (h *AdminHandler) AddDomainHandler(w http.ResponseWriter, r *http.Request) {
	h.handleDomainOp(w, r, "add", h.control.AddDomain, h.control.AddDomainAndWait)
}

// RemoveDomainHandler handles DELETE /domain
func (h *AdminHandler) RemoveDomainHandler(w http.ResponseWriter, r *http.Request) {
	h.handleDomainOp(w, r, "remove", h.control.RemoveDomain, h.control.RemoveDomainAndWait)
}

// HealthHandler handles GET /healthz; it fails once the resolution worker has exited
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Domains:   len(h.control.ListDomains()),
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().UTC(),
	}

	status := http.StatusOK
	select {
	case <-h.workerDone:
		response.Status = "worker_stopped"
		status = http.StatusServiceUnavailable
	default:
	}
	writeJSON(w, status, response)
}

type domainOp func(ctx context.Context, name string) error

func (h *AdminHandler) handleDomainOp(w http.ResponseWriter, r *http.Request, name string, async, wait domainOp) {
	var req DomainRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, lberrors.WrapError(err, lberrors.ErrCodeInvalidRequest, "admin", "Invalid JSON body"))
		return
	}

	shouldWait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, lberrors.NewError(lberrors.ErrCodeInvalidRequest, "admin", "Invalid wait parameter"))
			return
		}
		shouldWait = parsed
	}

	log := h.logger.WithFields(map[string]interface{}{
		"domain":     req.Domain,
		"op":         name,
		"wait":       shouldWait,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	})

	var err error
	if shouldWait {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()
		err = wait(ctx, req.Domain)
	} else {
		err = async(r.Context(), req.Domain)
	}
	if err != nil {
		log.WithError(err).Warn("Domain command failed")
		h.writeError(w, r, err)
		return
	}

	log.Info("Domain command accepted")
	writeText(w, http.StatusOK, "ok")
}

// writeError writes a standardized error response
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := lberrors.GetHTTPStatusCode(err)
	errCode := lberrors.GetErrorCode(err)
	code := string(errCode)
	// a DNS timeout is still a resolution failure
	if errors.Is(err, context.DeadlineExceeded) && errCode != lberrors.ErrCodeResolutionFailed {
		status = http.StatusGatewayTimeout
		code = "TIMEOUT"
	}

	writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Code:      status,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
