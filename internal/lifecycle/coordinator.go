package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/loykin/xcubelab/internal/history"
	"github.com/loykin/xcubelab/internal/metrics"
	"github.com/loykin/xcubelab/internal/process"
	"github.com/loykin/xcubelab/internal/retry"
)

// Defaults for the readiness poll.
const (
	DefaultBudget      = 5 * time.Second
	DefaultMaxAttempts = 10
)

// Backend starts the server and reports its state.
type Backend interface {
	// StartServer must not launch a second server when one is already running.
	StartServer(ctx context.Context) (process.State, error)
	ServerState(ctx context.Context) (process.State, error)
}

// Prober issues one HTTP GET against the server. Network failures and non-2xx
// responses are both errors.
type Prober interface {
	Probe(ctx context.Context, url string) (json.RawMessage, error)
}

// Config is threaded through every GetServer call.
type Config struct {
	BaseURL     string // lab base URL; used for the proxied server URL
	HasProxy    bool
	Budget      time.Duration
	MaxAttempts int
	Clock       clock.Clock
	Logger      *slog.Logger
	History     *history.Recorder
}

func (c Config) withDefaults() Config {
	if c.Budget == 0 {
		c.Budget = DefaultBudget
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ServerStatus is produced only for a running server that answered over HTTP.
type ServerStatus struct {
	URL      string          `json:"url"`
	State    process.State   `json:"state"`
	Response json.RawMessage `json:"response"`
}

// StateError reports a server that is not running. It is never retried.
type StateError struct {
	State process.State
}

func (e *StateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "xcube Server status is %q for command line %q", e.State.Status, strings.Join(e.State.Cmdline, " "))
	if e.State.ExitCode != nil {
		fmt.Fprintf(&b, ", exit code %d", *e.State.ExitCode)
	}
	b.WriteString(".")
	if s := strings.TrimSpace(e.State.Stderr); s != "" {
		b.WriteString(" ")
		b.WriteString(s)
	}
	return b.String()
}

// Coordinator brings a server up and waits until it is reachable.
type Coordinator struct {
	backend Backend
	prober  Prober
	cfg     Config
}

// New validates cfg and returns a coordinator.
func New(backend Backend, prober Prober, cfg Config) (*Coordinator, error) {
	if backend == nil || prober == nil {
		return nil, errors.New("lifecycle: backend and prober are required")
	}
	cfg = cfg.withDefaults()
	if cfg.Budget < 0 || cfg.MaxAttempts < 0 {
		return nil, retry.ErrInvalidBudget
	}
	if cfg.HasProxy && cfg.BaseURL == "" {
		return nil, errors.New("lifecycle: base URL is required when proxied")
	}
	return &Coordinator{backend: backend, prober: prober, cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

type observation struct {
	state    process.State
	response json.RawMessage
}

// GetServer starts the server, or reuses a running one, and polls until both its state
// is running and its URL answers. A non-running state at any point fails at once with
// a *StateError; when the budget runs out the last probe error is returned unchanged.
func (c *Coordinator) GetServer(ctx context.Context) (*ServerStatus, error) {
	log := c.cfg.Logger
	began := c.cfg.Clock.Now()
	c.cfg.History.Record(ctx, history.NewEvent(history.EventStartRequested, history.Record{}))

	s0, err := c.backend.StartServer(ctx)
	if err != nil {
		c.finish(ctx, began, metrics.OutcomeFatal, s0, "", 0, err)
		return nil, fmt.Errorf("start server: %w", err)
	}
	log.Debug("server start answered", "status", s0.Status, "pid", s0.PID, "port", s0.Port)
	if !s0.IsRunning() {
		err := &StateError{State: s0}
		c.finish(ctx, began, metrics.OutcomeFatal, s0, "", 0, err)
		return nil, err
	}

	url := ServerURL(c.cfg.BaseURL, c.cfg.HasProxy, s0.Port)
	probe := func(ctx context.Context) (observation, error) {
		st, err := c.backend.ServerState(ctx)
		if err != nil {
			return observation{}, err
		}
		if !st.IsRunning() {
			return observation{}, retry.Permanent(&StateError{State: st})
		}
		resp, err := c.prober.Probe(ctx, url)
		if err != nil {
			return observation{}, err
		}
		return observation{state: st, response: resp}, nil
	}

	attempts := 0
	obs, err := retry.PollUntilSuccess(ctx, probe, c.cfg.Budget, c.cfg.MaxAttempts,
		retry.WithClock(c.cfg.Clock),
		retry.WithLogger(log),
		retry.WithName("server"),
		retry.WithAttemptHook(func(attempt int, err error) {
			attempts = attempt
			metrics.IncPollAttempt("server", err != nil)
		}),
	)
	if err != nil {
		outcome := metrics.OutcomeTimeout
		var se *StateError
		if errors.As(err, &se) {
			outcome = metrics.OutcomeFatal
			s0 = se.State
		}
		c.finish(ctx, began, outcome, s0, url, attempts, err)
		return nil, err
	}

	c.finish(ctx, began, metrics.OutcomeReady, obs.state, url, attempts, nil)
	log.Info("server ready", "url", url, "pid", obs.state.PID, "attempts", attempts)
	return &ServerStatus{URL: url, State: obs.state.Clone(), Response: obs.response}, nil
}

func (c *Coordinator) finish(ctx context.Context, began time.Time, outcome string, st process.State, url string, attempts int, err error) {
	metrics.ObserveReadiness(outcome, c.cfg.Clock.Since(began).Seconds())
	rec := history.Record{PID: st.PID, Port: st.Port, Status: st.Status, URL: url, Attempts: attempts}
	typ := history.EventReady
	if err != nil {
		typ = history.EventFailed
		rec.Error = err.Error()
		c.cfg.Logger.Warn("server not ready", "outcome", outcome, "attempts", attempts, "error", err)
	}
	c.cfg.History.Record(ctx, history.NewEvent(typ, rec))
}

// ServerURL is where the server is reached: through the lab's proxy route when one is
// available, else directly on loopback.
func ServerURL(baseURL string, hasProxy bool, port int) string {
	if hasProxy {
		return baseURL + "proxy/" + strconv.Itoa(port)
	}
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// ViewerURL is the viewer page of the server at serverURL.
func ViewerURL(serverURL string) string {
	return serverURL + "/viewer/?serverUrl=" + serverURL +
		"&serverName=xcube+JupyterLab+Integration" +
		"&serverId=jupyterlab" +
		"&compact=1"
}
