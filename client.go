// Package laminar assembles the lineage recording client from its parts:
// an authenticated hub session, the throttled API gateway, the artifact
// tracking rule engine, the optional Kafka run-event mirror, and the
// provenance resolver a workflow host drives. Hosts embed the client; the
// cmd/laminar binary wraps it for operators.
package laminar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/laminar-io/laminar/internal/config"
	"github.com/laminar-io/laminar/internal/hub"
	"github.com/laminar-io/laminar/internal/provenance"
	"github.com/laminar-io/laminar/internal/sink"
	"github.com/laminar-io/laminar/internal/tracking"
)

// Client is the assembled lineage recording client for one configured
// instance.
type Client struct {
	Session  *hub.AuthSession
	Gateway  *hub.Gateway
	Resolver *provenance.Resolver

	mirror *sink.KafkaSink
	logger *slog.Logger
}

// New builds a client from a loaded configuration. It exchanges the API key,
// fetches the instance settings, compiles the tracking rule tree, and wires
// the optional Kafka mirror. Misconfiguration fails here, before the host
// delivers its first event.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("laminar: config is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	session := hub.NewAuthSession(cfg.HubURL, cfg.APIKey, nil)

	settings, err := session.InstanceSettings(ctx, cfg.InstanceOwner, cfg.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("loading settings for instance %s/%s: %w",
			cfg.InstanceOwner, cfg.InstanceName, err)
	}

	gateway := hub.NewGateway(hub.GatewayConfig{
		Tokens:       session,
		Settings:     settings,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		RequestRPS:   cfg.RequestRPS,
		RequestBurst: cfg.RequestBurst,
		Logger:       logger,
	})

	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}

	var (
		mirror    *sink.KafkaSink
		eventSink provenance.EventSink
	)

	if len(cfg.KafkaBrokers) > 0 {
		mirror = sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		eventSink = mirror
	}

	resolver, err := provenance.NewResolver(provenance.Options{
		Gateway:     gateway,
		Engine:      engine,
		Sink:        eventSink,
		Logger:      logger,
		ProjectUIDs: cfg.ProjectUIDs,
		ULabelUIDs:  cfg.ULabelUIDs,
		TransformID: cfg.TransformID,
		RunID:       cfg.RunID,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		Session:  session,
		Gateway:  gateway,
		Resolver: resolver,
		mirror:   mirror,
		logger:   logger,
	}, nil
}

// buildEngine compiles the tracking rule tree for the configuration. The
// env-level kill-switch wins over the YAML tree; no tree means the
// track-everything defaults.
func buildEngine(cfg *config.Config) (*tracking.Engine, error) {
	if !cfg.TrackingEnabled {
		disabled := false

		return tracking.NewEngine(&tracking.Config{
			Settings: tracking.Settings{Enabled: &disabled},
		})
	}

	if cfg.TrackingConfigPath == "" {
		return tracking.NewEngine(nil)
	}

	tree, err := tracking.LoadConfig(cfg.TrackingConfigPath)
	if err != nil {
		return nil, err
	}

	return tracking.NewEngine(tree)
}

// Close flushes and closes the optional event mirror. Safe to call when no
// mirror is configured.
func (c *Client) Close() error {
	if c.mirror == nil {
		return nil
	}

	return c.mirror.Close()
}
