package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/domainvault/vault/internal/service/backup"
	"github.com/domainvault/vault/internal/service/deploy"
	"github.com/domainvault/vault/internal/service/vault"
	"github.com/domainvault/vault/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	vault         *vault.Service
	deploy        *deploy.Service
	backup        *backup.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	operatorToken string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitDeploy    = 30
	rateLimitRestore   = 5
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	vaultSvc *vault.Service,
	deploySvc *deploy.Service,
	backupSvc *backup.Service,
	hub *ws.Hub,
	limiter RateLimiter,
	operatorToken string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		vault:  vaultSvc,
		deploy: deploySvc,
		backup: backupSvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.operatorToken == "" {
		logger.Warn("operator token not configured, API authentication disabled")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/domains", r.audit(r.handlerAuthRate("domains", rateLimitWrite, rateWindowDefault, r.handleDomains)))
	r.mux.HandleFunc("/domains/", r.audit(r.handlerAuthRate("domains_sub", rateLimitRead, rateWindowDefault, r.handleDomainSubroutes)))
	r.mux.HandleFunc("/restore", r.audit(r.handlerAuthRate("restore", rateLimitRestore, rateWindowDefault, r.handleRestore)))
	r.mux.HandleFunc("/stats", r.audit(r.handlerAuthRate("stats", rateLimitRead, rateWindowDefault, r.handleStats)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("ws_events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleDomains(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name     string            `json:"name"`
			Metadata json.RawMessage   `json:"metadata"`
			Files    map[string][]byte `json:"files"`
			Message  string            `json:"message"`
			Author   string            `json:"author"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.vault.CreateDomain(req.Context(), vault.CreateDomainInput{
			Name:     payload.Name,
			Metadata: payload.Metadata,
			Files:    payload.Files,
			Message:  payload.Message,
			Author:   payload.Author,
		})
		if err != nil {
			writeServiceError(w, err, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		domains, err := r.vault.ListDomains(req.Context())
		if err != nil {
			writeServiceError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, domains)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDomainSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/domains/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleDomainGet(w, req, name)
	case len(parts) == 2 && parts[1] == "versions":
		r.handleVersions(w, req, name)
	case len(parts) == 3 && parts[1] == "versions":
		r.handleVersionGet(w, req, name, parts[2])
	case len(parts) == 2 && parts[1] == "deploy":
		r.handleDeploy(w, req, name)
	case len(parts) == 2 && parts[1] == "rollback":
		r.handleRollback(w, req, name)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleDeployments(w, req, name)
	case len(parts) == 2 && parts[1] == "backup":
		r.handleBackup(w, req, name)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDomainGet(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snapshot, err := r.vault.GetDomain(req.Context(), name)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (r *Router) handleVersions(w http.ResponseWriter, req *http.Request, name string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Files   map[string][]byte `json:"files"`
			Message string            `json:"message"`
			Author  string            `json:"author"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		version, created, err := r.vault.AddVersion(req.Context(), vault.AddVersionInput{
			Domain:  name,
			Files:   payload.Files,
			Message: payload.Message,
			Author:  payload.Author,
		})
		if err != nil {
			writeServiceError(w, err, http.StatusBadRequest)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"version": version, "created": created})
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		versions, err := r.vault.ListVersions(req.Context(), name, limit)
		if err != nil {
			writeServiceError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, versions)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVersionGet(w http.ResponseWriter, req *http.Request, name, rawNumber string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	number := 0
	if rawNumber != "latest" {
		parsed, err := strconv.Atoi(rawNumber)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "version must be a positive number or 'latest'")
			return
		}
		number = parsed
	}
	version, files, err := r.vault.GetVersion(req.Context(), name, number)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version, "files": files})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Environment string          `json:"environment"`
		Version     int             `json:"version"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deployment, err := r.deploy.Deploy(req.Context(), deploy.Input{
		Domain:      name,
		Environment: payload.Environment,
		Version:     payload.Version,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		if deployment != nil {
			// The deployment record exists in failed state; return both
			// the record and the reason.
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"deployment": deployment,
				"error":      err.Error(),
			})
			return
		}
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deployment, err := r.deploy.Rollback(req.Context(), name, payload.Environment)
	if err != nil {
		if deployment != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"deployment": deployment,
				"error":      err.Error(),
			})
			return
		}
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	environment := req.URL.Query().Get("environment")
	deployments, err := r.deploy.List(req.Context(), name, environment, limit)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleBackup(w http.ResponseWriter, req *http.Request, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	record, err := r.backup.Export(req.Context(), name)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Path = strings.TrimSpace(payload.Path)
	if payload.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	restored, err := r.backup.Restore(req.Context(), payload.Path)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, restored)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.vault.Stats(req.Context())
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("domain")
	if name == "" {
		writeError(w, http.StatusBadRequest, "domain query parameter required")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(name, client)
	go func() {
		defer func() {
			r.hub.Unregister(name, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		if isOperator(ctx) {
			actor = "operator"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

// routeLabel collapses domain names out of paths to bound metric
// cardinality.
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/domains/")
	if trimmed == path {
		return path
	}
	parts := strings.Split(trimmed, "/")
	parts[0] = "{name}"
	return "/domains/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
