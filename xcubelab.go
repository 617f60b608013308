package xcubelab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	cfg "github.com/loykin/xcubelab/internal/config"
	"github.com/loykin/xcubelab/internal/auth"
	"github.com/loykin/xcubelab/internal/history"
	"github.com/loykin/xcubelab/internal/history/factory"
	"github.com/loykin/xcubelab/internal/labinfo"
	"github.com/loykin/xcubelab/internal/lifecycle"
	"github.com/loykin/xcubelab/internal/metrics"
	"github.com/loykin/xcubelab/internal/process"
	iapi "github.com/loykin/xcubelab/internal/server"
	xtls "github.com/loykin/xcubelab/internal/tls"
	"github.com/loykin/xcubelab/internal/viewer"
	"github.com/loykin/xcubelab/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Spec = process.Spec

type State = process.State

type LabInfo = labinfo.LabInfo

type ServerStatus = lifecycle.ServerStatus

// StateError is returned by Lab.Open when the server is not running.
type StateError = lifecycle.StateError

type View = viewer.View

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Lab is the client side: it registers with the lab-side API, brings the compute
// server up and tracks the opened viewer.
type Lab struct {
	Client      *client.Client
	Coordinator *lifecycle.Coordinator
	Session     *viewer.Session
	history     *history.Recorder
}

// Connect builds a Lab from c. Unless [client] has_proxy is set, it asks the API whether
// the lab serves jupyter-server-proxy, which registers the lab URL as a side effect.
func Connect(ctx context.Context, c *Config, logger *slog.Logger) (*Lab, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := c.Client.ClientOptions()
	opts.Logger = logger
	cl, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	baseURL := c.Client.LabURL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	var hasProxy bool
	if c.Client.HasProxy != nil {
		hasProxy = *c.Client.HasProxy
	} else if hasProxy, err = viewer.DetectProxy(ctx, cl, baseURL); err != nil {
		return nil, err
	}

	rec, err := factory.NewRecorder(logger, c.History.DSNs)
	if err != nil {
		return nil, err
	}
	coord, err := lifecycle.New(cl, cl, lifecycle.Config{
		BaseURL:     baseURL,
		HasProxy:    hasProxy,
		Budget:      c.Client.Budget,
		MaxAttempts: c.Client.MaxAttempts,
		Logger:      logger,
		History:     rec,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	return &Lab{Client: cl, Coordinator: coord, Session: viewer.NewSession(coord), history: rec}, nil
}

// Open brings the server up, or reuses the open view.
func (l *Lab) Open(ctx context.Context) (*View, error) { return l.Session.Open(ctx) }

func (l *Lab) Close() error {
	l.Session.Close()
	return l.history.Close()
}

// API is the lab side: the server launcher, the lab info store and their HTTP router.
type API struct {
	Launcher  *process.Launcher
	LabInfo   *labinfo.Store
	Router    *iapi.Router
	Resources *metrics.ResourceCollector
	history   *history.Recorder
}

// NewAPI wires the lab-side API from c. With [metrics] enabled, collectors are
// registered on the default Prometheus registry and served at /metrics.
func NewAPI(c *Config, logger *slog.Logger) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec, err := c.ProcessSpec()
	if err != nil {
		return nil, err
	}
	launcher, err := process.NewLauncher(spec, process.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	store := labinfo.NewStore(c.Server.DataDir, c.Server.ProxyDetector())
	rec, err := factory.NewRecorder(logger, c.History.DSNs)
	if err != nil {
		return nil, err
	}
	resources := metrics.NewResourceCollector(c.Metrics.Resources)

	opts := []iapi.Option{
		iapi.WithLogger(logger),
		iapi.WithHistory(rec),
		iapi.WithResources(resources),
	}
	if c.Server.Auth.Enabled() {
		opts = append(opts, iapi.WithAuth(auth.NewMiddleware(c.Server.Auth)))
	}
	if c.Metrics.Enabled {
		if err := errors.Join(
			metrics.Register(prometheus.DefaultRegisterer),
			resources.RegisterMetrics(prometheus.DefaultRegisterer),
		); err != nil {
			_ = rec.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, iapi.WithMetricsHandler(metrics.Handler()))
	}
	return &API{
		Launcher:  launcher,
		LabInfo:   store,
		Router:    iapi.NewRouter(launcher, store, c.Server.BasePath, opts...),
		Resources: resources,
		history:   rec,
	}, nil
}

// Handler returns the API as an http.Handler for mounting in any server or mux.
func (a *API) Handler() http.Handler { return a.Router.Handler() }

// Start begins resource sampling of the launched server, if enabled.
func (a *API) Start(ctx context.Context) {
	a.Resources.Start(ctx, func() int32 {
		st, err := a.Launcher.State(ctx)
		if err != nil || !st.IsRunning() {
			return 0
		}
		return int32(st.PID) // #nosec G115 -- pids fit in int32
	})
}

// Close stops sampling and closes history sinks. The compute server keeps running;
// a later API over the same data dir re-attaches to it.
func (a *API) Close() error {
	a.Resources.Stop()
	return a.history.Close()
}

// NewHTTPServer serves h on addr in the background.
func NewHTTPServer(addr string, h http.Handler) (*http.Server, error) {
	return iapi.NewServer(addr, h)
}

// NewServerFromConfig serves h on c.Server.Listen, over HTTPS when [server.tls] is
// enabled. The returned scheme is "http" or "https".
func NewServerFromConfig(c *Config, h http.Handler) (*http.Server, string, error) {
	tc, err := xtls.Setup(c.Server.TLS)
	if err != nil {
		return nil, "", err
	}
	srv, err := iapi.NewTLSServer(c.Server.Listen, h, tc)
	if err != nil {
		return nil, "", err
	}
	if tc != nil {
		return srv, "https", nil
	}
	return srv, "http", nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
