// Package app wires the proxy's components together for the serve command:
// configuration, the upstream connection manager, the session router, and
// the inbound MCP server, plus the config watcher driving live reloads.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/unimcp/unimcp/internal/config"
	"github.com/unimcp/unimcp/internal/filter"
	"github.com/unimcp/unimcp/internal/router"
	"github.com/unimcp/unimcp/internal/schema"
	"github.com/unimcp/unimcp/internal/server"
	"github.com/unimcp/unimcp/internal/template"
	"github.com/unimcp/unimcp/internal/upstream"
	"github.com/unimcp/unimcp/pkg/logging"
)

// ProxyName is the server name advertised in the MCP handshake. Upstreams
// reporting this name back are rejected as circular.
const ProxyName = "unimcp-proxy"

// Options configure application startup.
type Options struct {
	// ConfigPath is the configuration directory; empty means the per-user
	// default.
	ConfigPath string

	// Transport overrides server.transport from the config when set.
	Transport string

	// Debug forces debug-level logging.
	Debug bool

	// Version is the build version injected by main.
	Version string
}

// Application owns the wired component graph.
type Application struct {
	opts Options
	cfg  config.Config

	upstreams *upstream.Manager
	sessions  *router.Sessions
	dispatch  *router.Dispatcher
	presets   *filter.PresetStore
	namer     *router.Namer
	renderer  *template.Renderer
	server    *server.Server
	watcher   *config.Watcher
	reactor   *config.Reactor
}

// New loads configuration and wires the components. Nothing connects or
// listens until Run.
func New(opts Options) (*Application, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if opts.Transport != "" {
		cfg.Server.Transport = opts.Transport
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	namer, err := router.NewNamer(cfg.Server.ToolPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid tool pattern: %w", err)
	}

	presets := filter.NewPresetStore()
	for name, preset := range cfg.Presets {
		f, err := presetFilter(preset)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		presets.Register(name, f)
	}

	var repo router.Repository
	tokenDir := ""
	if cfg.Server.SessionDir != "" {
		fileRepo, err := router.NewFileRepository(cfg.Server.SessionDir)
		if err != nil {
			return nil, fmt.Errorf("opening session repository: %w", err)
		}
		repo = fileRepo
		tokenDir = filepath.Join(cfg.Server.SessionDir, "tokens")
	} else {
		repo = router.NewMemoryRepository()
	}
	sessions := router.NewSessions(repo, cfg.Server.TrustClientSessionIds)

	upstreams := upstream.NewManager(upstream.Options{
		SelfName:    ProxyName,
		SelfVersion: opts.Version,
		TokenDir:    tokenDir,
	})

	cache := schema.NewCache(cfg.SchemaCache.MaxEntries, cfg.SchemaCache.TTL())
	dispatch := router.NewDispatcher(upstreams, cache, namer, presets)

	renderer, err := template.NewRenderer(cfg.Server.InstructionsTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid instructions template: %w", err)
	}

	app := &Application{
		opts:      opts,
		cfg:       cfg,
		upstreams: upstreams,
		sessions:  sessions,
		dispatch:  dispatch,
		presets:   presets,
		namer:     namer,
		renderer:  renderer,
		reactor:   config.NewReactor(upstreams),
	}

	watcher, err := config.NewWatcher(filepath.Join(configPath, "config.yaml"), cfg)
	if err != nil {
		logging.Warn("App", "Config watching disabled: %v", err)
	} else {
		app.watcher = watcher
	}
	return app, nil
}

func presetFilter(preset config.PresetConfig) (*filter.Filter, error) {
	if preset.Expression != "" {
		return filter.Expression(preset.Expression)
	}
	return filter.Tags(preset.Tags, preset.Mode)
}

// Run connects the upstreams, starts the inbound server, and blocks until
// the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	logging.Info("App", "Connecting %d configured upstreams", len(a.cfg.Upstreams))
	if err := a.upstreams.CreateAll(ctx, a.cfg.Upstreams); err != nil {
		return fmt.Errorf("connecting upstreams: %w", err)
	}

	a.server = server.New(server.Config{
		Name:         ProxyName,
		Version:      a.opts.Version,
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		Transport:    a.cfg.Server.Transport,
		Instructions: a.renderInstructions(ctx),
	}, a.sessions, a.dispatch, a.namer, a.upstreams)

	a.server.Refresh(ctx)

	if err := a.server.Start(ctx); err != nil {
		a.upstreams.CloseAll()
		return fmt.Errorf("starting server: %w", err)
	}
	logging.Info("App", "Serving MCP at %s", a.server.Endpoint())

	if a.watcher != nil {
		a.watcher.Start(ctx)
		go a.watchConfig(ctx)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("App", "systemd readiness notification failed: %v", err)
	} else if sent {
		logging.Debug("App", "Notified systemd of readiness")
	}

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return a.shutdown()
}

// watchConfig applies config change batches: the reactor adjusts the
// upstream connections minimally, then the inbound registrations are
// reconciled.
func (a *Application) watchConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-a.watcher.Events():
			if !ok {
				return
			}
			logging.Info("App", "Applying %d configuration changes", len(events))
			a.reactor.Apply(ctx, events)
			a.server.Refresh(ctx)
		}
	}
}

// renderInstructions assembles the handshake instructions from the
// connected upstreams' instruction blobs.
func (a *Application) renderInstructions(ctx context.Context) string {
	snaps := a.upstreams.Connected()

	toolCounts := make(map[string]int)
	if page, err := a.dispatch.ListTools(ctx, &router.Session{Filter: filter.None()}, "", 0); err == nil {
		for _, tool := range page.Tools {
			if serverName, _, err := a.namer.Parse(tool.Name); err == nil {
				toolCounts[serverName]++
			}
		}
	}

	data := template.Data{
		ProxyName: ProxyName,
		Version:   a.opts.Version,
	}
	for _, snap := range snaps {
		data.Upstreams = append(data.Upstreams, template.Upstream{
			Name:         snap.Name,
			ServerName:   snap.ServerInfo.Name,
			Instructions: snap.Instructions,
			Tags:         snap.Tags,
			ToolCount:    toolCounts[snap.Name],
		})
	}

	rendered, err := a.renderer.Render(data)
	if err != nil {
		logging.Warn("App", "Instructions rendering failed: %v", err)
		return ""
	}
	return rendered
}

func (a *Application) shutdown() error {
	logging.Info("App", "Shutting down")
	if a.watcher != nil {
		a.watcher.Stop()
	}

	shutdownCtx := context.Background()
	if a.server != nil {
		if err := a.server.Stop(shutdownCtx); err != nil {
			logging.Warn("App", "Server shutdown error: %v", err)
		}
	}
	a.upstreams.CloseAll()
	logging.Info("App", "Shutdown complete")
	return nil
}
