package config

import (
	"context"

	"github.com/unimcp/unimcp/pkg/logging"
)

// ConnectionController is the surface the reactor drives when configuration
// changes. The upstream connection manager implements it.
type ConnectionController interface {
	// StartUpstream connects a newly configured or re-enabled upstream.
	StartUpstream(ctx context.Context, cfg *UpstreamConfig) error

	// StopUpstream disconnects and forgets an upstream.
	StopUpstream(ctx context.Context, name string) error

	// RestartUpstream tears the connection down and reconnects with the
	// new definition.
	RestartUpstream(ctx context.Context, cfg *UpstreamConfig) error

	// UpdateUpstreamMetadata applies changes that do not affect the live
	// connection (currently only tags).
	UpdateUpstreamMetadata(name string, cfg *UpstreamConfig)

	// IsRunning reports whether the upstream currently has a record.
	IsRunning(name string) bool
}

// Reactor translates configuration change events into minimal connection
// manager actions: a tags-only modification never restarts a connection, a
// disable stops it, a re-enable starts it, and everything else restarts it.
type Reactor struct {
	controller ConnectionController
}

// NewReactor creates a reactor driving the given controller.
func NewReactor(controller ConnectionController) *Reactor {
	return &Reactor{controller: controller}
}

// Apply processes a batch of change events. Failures on one upstream are
// logged and never block the remaining events.
func (r *Reactor) Apply(ctx context.Context, events []ChangeEvent) {
	for _, event := range events {
		r.applyOne(ctx, event)
	}
}

func (r *Reactor) applyOne(ctx context.Context, event ChangeEvent) {
	switch event.Type {
	case ChangeAdded:
		if event.Config.Disabled {
			logging.Debug("ConfigReactor", "Upstream %s added but disabled, skipping", event.Name)
			return
		}
		if err := r.controller.StartUpstream(ctx, event.Config); err != nil {
			logging.Error("ConfigReactor", err, "Failed to start added upstream %s", event.Name)
		}

	case ChangeRemoved:
		if err := r.controller.StopUpstream(ctx, event.Name); err != nil {
			logging.Error("ConfigReactor", err, "Failed to stop removed upstream %s", event.Name)
		}

	case ChangeModified:
		r.applyModified(ctx, event)
	}
}

func (r *Reactor) applyModified(ctx context.Context, event ChangeEvent) {
	if event.TagsOnly() {
		logging.Debug("ConfigReactor", "Upstream %s changed tags only, updating metadata", event.Name)
		r.controller.UpdateUpstreamMetadata(event.Name, event.Config)
		return
	}

	running := r.controller.IsRunning(event.Name)

	switch {
	case event.Config.Disabled && running:
		if err := r.controller.StopUpstream(ctx, event.Name); err != nil {
			logging.Error("ConfigReactor", err, "Failed to stop disabled upstream %s", event.Name)
		}

	case event.Config.Disabled:
		// Already stopped, nothing to do.

	case !running:
		if err := r.controller.StartUpstream(ctx, event.Config); err != nil {
			logging.Error("ConfigReactor", err, "Failed to start re-enabled upstream %s", event.Name)
		}

	default:
		if err := r.controller.RestartUpstream(ctx, event.Config); err != nil {
			logging.Error("ConfigReactor", err, "Failed to restart modified upstream %s", event.Name)
		}
	}
}
