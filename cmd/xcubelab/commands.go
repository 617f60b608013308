package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/xcubelab"
	"github.com/loykin/xcubelab/pkg/client"
	"github.com/loykin/xcubelab/pkg/template"
)

// command carries what every subcommand needs: the global flags and the output.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// config loads the config file and applies the global flag overrides.
func (c command) config() (*xcubelab.Config, *slog.Logger, error) {
	cfg, err := xcubelab.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.flags.LabURL != "" {
		cfg.Client.LabURL = c.flags.LabURL
	}
	if c.flags.Token != "" {
		cfg.Client.Token = c.flags.Token
	}
	if c.flags.LogLevel != "" {
		cfg.Log.Slog.Level = c.flags.LogLevel
	}
	return cfg, cfg.Log.NewSlogger(), nil
}

func (c command) client() (*client.Client, error) {
	cfg, logger, err := c.config()
	if err != nil {
		return nil, err
	}
	opts := cfg.Client.ClientOptions()
	opts.Logger = logger
	return client.New(opts)
}

// Serve runs the lab-side API until ctx is done or the process is signalled.
// ready, when set, receives the bound address.
func (c command) Serve(ctx context.Context, f ServeFlags, ready func(addr string)) error {
	cfg, logger, err := c.config()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	api, err := xcubelab.NewAPI(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = api.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	api.Start(ctx)

	srv, scheme, err := xcubelab.NewServerFromConfig(cfg, api.Handler())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Serving xcubelab API on %s://%s%s\n", scheme, srv.Addr, api.Router.BasePath())
	if ready != nil {
		ready(srv.Addr)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if f.StopOnExit {
		if err := api.Launcher.Stop(shutdownCtx); err != nil {
			logger.Warn("failed to stop xcube server", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Open brings the server up and prints the viewer URL.
func (c command) Open(ctx context.Context, f OpenFlags) error {
	cfg, logger, err := c.config()
	if err != nil {
		return err
	}
	lab, err := xcubelab.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lab.Close() }()

	view, err := lab.Open(ctx)
	if err != nil {
		var se *xcubelab.StateError
		if errors.As(err, &se) {
			return fmt.Errorf("xcube server is not running: %w", err)
		}
		return fmt.Errorf("xcube server did not become reachable: %w", err)
	}
	if f.JSON {
		return printJSON(c.out, view)
	}
	_, err = fmt.Fprintln(c.out, view.URL)
	return err
}

func (c command) Status(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.ServerState(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c command) Stop(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.StopServer(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "xcube server stopped")
	return err
}

func (c command) LabInfoGet(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	li, err := cl.GetLabInfo(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, li)
}

func (c command) LabInfoSet(ctx context.Context, labURL string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	li, err := cl.SetLabInfo(ctx, labURL)
	if err != nil {
		return err
	}
	return printJSON(c.out, li)
}

func (c command) LabInfoDelete(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	return cl.DeleteLabInfo(ctx)
}

// Template writes an xcube server config built from f.Stores.
func (c command) Template(f TemplateFlags) error {
	sc, err := serverConfigFromStores(f.Stores)
	if err != nil {
		return err
	}
	data, err := sc.YAML()
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.out.Write(data)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "xcube server config written: %s\n", f.Output)
	return nil
}

// serverConfigFromStores parses <type>[:<root>] entries. Identifiers are the store
// type, suffixed with a counter when a type repeats.
func serverConfigFromStores(stores []string) (template.ServerConfig, error) {
	if len(stores) == 0 {
		return template.DefaultServerConfig(), nil
	}
	gen := template.NewGenerator()
	seen := map[string]int{}
	var sc template.ServerConfig
	for _, s := range stores {
		typ, root, _ := strings.Cut(s, ":")
		seen[typ]++
		id := typ
		if n := seen[typ]; n > 1 {
			id = fmt.Sprintf("%s-%d", typ, n)
		}
		ds, err := gen.Generate(template.StoreType(typ), id, root)
		if err != nil {
			return template.ServerConfig{}, fmt.Errorf("store %q: %w", s, err)
		}
		sc.DataStores = append(sc.DataStores, *ds)
	}
	return sc, nil
}
