package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/xcubelab/internal/auth"
	"github.com/loykin/xcubelab/internal/history"
	"github.com/loykin/xcubelab/internal/labinfo"
	"github.com/loykin/xcubelab/internal/metrics"
	"github.com/loykin/xcubelab/internal/process"
)

// DefaultBasePath is where the lab extension expects the API.
const DefaultBasePath = "/xcube"

// ServerControl launches and observes the compute server. *process.Launcher implements it.
type ServerControl interface {
	Start(ctx context.Context) (process.State, error)
	State(ctx context.Context) (process.State, error)
	Stop(ctx context.Context) error
}

// LabInfoStore persists lab info. *labinfo.Store implements it.
type LabInfoStore interface {
	Get() (labinfo.LabInfo, error)
	Put(body []byte) (labinfo.LabInfo, error)
	Delete() error
}

// Router provides embeddable HTTP handlers for the lab side of the server lifecycle.
// Endpoints, relative to basePath:
//
//	GET    /healthz           liveness, never authenticated
//	GET    /labinfo           stored lab info, 404 when unset
//	PUT    /labinfo           body {"lab_url": "..."}
//	DELETE /labinfo
//	GET    /server            current server state, {} when never started
//	PUT    /server            start the server unless it already runs
//	DELETE /server            stop the server
//	GET    /server/resources  sampled CPU and memory, 404 when sampling is off
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      ServerControl
	labs     LabInfoStore
	basePath string

	auth      *auth.Middleware
	logger    *slog.Logger
	history   *history.Recorder
	resources *metrics.ResourceCollector
	metricsH  http.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithAuth requires a token on every endpoint but /healthz.
func WithAuth(m *auth.Middleware) Option { return func(r *Router) { r.auth = m } }

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHistory records server stops.
func WithHistory(h *history.Recorder) Option { return func(r *Router) { r.history = h } }

// WithResources exposes the collector's samples under /server/resources.
func WithResources(c *metrics.ResourceCollector) Option {
	return func(r *Router) { r.resources = c }
}

// WithMetricsHandler mounts h at /metrics, outside basePath and without auth.
func WithMetricsHandler(h http.Handler) Option { return func(r *Router) { r.metricsH = h } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl ServerControl, labs LabInfoStore, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, labs: labs, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metricsH != nil {
		mh := r.metricsH
		if r.auth != nil {
			mh = r.auth.HTTPAuth(mh)
		}
		g.GET("/metrics", gin.WrapH(mh))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)

	api := group.Group("")
	if r.auth != nil {
		api.Use(r.auth.GinAuth())
	}
	api.GET("/labinfo", r.handleGetLabInfo)
	api.PUT("/labinfo", r.handlePutLabInfo)
	api.DELETE("/labinfo", r.handleDeleteLabInfo)
	api.GET("/server", r.handleGetServer)
	api.PUT("/server", r.handlePutServer)
	api.DELETE("/server", r.handleDeleteServer)
	api.GET("/server/resources", r.handleResources)
	return g
}

// NewServer binds addr and serves h on it in the background. Bind errors are returned
// immediately; the caller shuts the server down with Shutdown or Close.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	return NewTLSServer(addr, h, nil)
}

// NewTLSServer is NewServer over HTTPS when tc is non-nil.
func NewTLSServer(addr string, h http.Handler, tc *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tc != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
	} else {
		go func() { _ = server.Serve(ln) }()
	}
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type resourcesResp struct {
	Latest  *metrics.ResourceSample  `json:"latest,omitempty"`
	History []metrics.ResourceSample `json:"history"`
}

var empty = struct{}{}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetLabInfo(c *gin.Context) {
	li, err := r.labs.Get()
	if errors.Is(err, labinfo.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Lab info not found"})
		return
	}
	if err != nil {
		r.internalError(c, "read lab info", err)
		return
	}
	writeJSON(c, http.StatusOK, li)
}

func (r *Router) handlePutLabInfo(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Missing or invalid Lab info in request body"})
		return
	}
	li, err := r.labs.Put(body)
	if errors.Is(err, labinfo.ErrInvalid) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Missing or invalid Lab info in request body"})
		return
	}
	if err != nil {
		r.internalError(c, "store lab info", err)
		return
	}
	r.logger.Info("lab info stored", "lab_url", li.LabURL, "has_proxy", li.HasProxy)
	writeJSON(c, http.StatusOK, li)
}

func (r *Router) handleDeleteLabInfo(c *gin.Context) {
	err := r.labs.Delete()
	if errors.Is(err, labinfo.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Lab info not found"})
		return
	}
	if err != nil {
		r.internalError(c, "delete lab info", err)
		return
	}
	writeJSON(c, http.StatusOK, empty)
}

func (r *Router) handleGetServer(c *gin.Context) {
	st, err := r.ctl.State(c.Request.Context())
	if err != nil {
		r.internalError(c, "query server state", err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handlePutServer(c *gin.Context) {
	st, err := r.ctl.Start(c.Request.Context())
	if err != nil {
		r.internalError(c, "start server", err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleDeleteServer(c *gin.Context) {
	ctx := c.Request.Context()
	prev, _ := r.ctl.State(ctx)
	if err := r.ctl.Stop(ctx); err != nil {
		r.internalError(c, "stop server", err)
		return
	}
	if prev.PID != 0 {
		r.history.Record(ctx, history.NewEvent(history.EventStopped, history.Record{
			PID:    prev.PID,
			Port:   prev.Port,
			Status: process.StatusStopped,
		}))
	}
	writeJSON(c, http.StatusOK, empty)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil || !r.resources.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling is disabled"})
		return
	}
	resp := resourcesResp{History: r.resources.History()}
	if s, ok := r.resources.Latest(); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) internalError(c *gin.Context, op string, err error) {
	r.logger.Error(op+" failed", "error", err)
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}
