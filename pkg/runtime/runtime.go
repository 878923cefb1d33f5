// Package runtime composes the five subsystems into a single injected value.
// Nothing here is a process-wide singleton: the API layer and the handlers
// receive the Runtime (or pieces of it) explicitly.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loomworks/gantry/pkg/artifacts"
	"github.com/loomworks/gantry/pkg/config"
	"github.com/loomworks/gantry/pkg/metering"
	"github.com/loomworks/gantry/pkg/policy"
	"github.com/loomworks/gantry/pkg/registry"
	"github.com/loomworks/gantry/pkg/runner"
	"github.com/loomworks/gantry/pkg/vault"
)

// sessionSweepInterval paces the vault's expired-session eviction loop.
const sessionSweepInterval = time.Minute

// Runtime owns the registry, vault, policy engine, metering tracker, artifact
// store, and runner for one process.
type Runtime struct {
	Registry  *registry.Registry
	Vault     *vault.Vault
	Policy    *policy.Engine
	Metering  *metering.Tracker
	Artifacts *artifacts.Store
	Runner    *runner.Runner

	logger  *slog.Logger
	closers []io.Closer
}

// New wires the runtime from configuration. Optional backends (sqlite vault
// records, postgres metering sink, redis rate counters, S3 artifacts) attach
// when their settings are present; everything else defaults to in-memory.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{
		Registry: registry.New(),
		logger:   slog.Default().With("component", "runtime"),
	}

	var vaultOpts []vault.Option
	if cfg.VaultDSN != "" {
		store, err := vault.OpenSQLite(ctx, cfg.VaultDSN)
		if err != nil {
			return nil, fmt.Errorf("runtime: open vault store: %w", err)
		}
		rt.closers = append(rt.closers, store)
		vaultOpts = append(vaultOpts, vault.WithRecordStore(store))
		rt.logger.Info("vault record store attached", "dsn", cfg.VaultDSN)
	}
	vlt, err := vault.New(cfg.Pepper, vaultOpts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: create vault: %w", err)
	}
	rt.Vault = vlt

	var policyOpts []policy.Option
	if cfg.RedisAddr != "" {
		counters := policy.NewRedisCounterStore(cfg.RedisAddr, "", 0)
		rt.closers = append(rt.closers, counters)
		policyOpts = append(policyOpts, policy.WithCounterStore(counters))
		rt.logger.Info("redis counter store attached", "addr", cfg.RedisAddr)
	}
	rt.Policy = policy.NewEngine(policyOpts...)

	var meteringOpts []metering.Option
	if cfg.MeteringDSN != "" {
		sink, err := metering.OpenPostgresSink(ctx, cfg.MeteringDSN)
		if err != nil {
			return nil, fmt.Errorf("runtime: open metering sink: %w", err)
		}
		rt.closers = append(rt.closers, sink)
		meteringOpts = append(meteringOpts, metering.WithEventSink(sink))
		rt.logger.Info("metering event sink attached")
	}
	rt.Metering = metering.NewTracker(meteringOpts...)

	arts, err := artifacts.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: create artifact store: %w", err)
	}
	rt.Artifacts = arts

	rt.Runner = runner.New(rt.Registry, rt.Vault, rt.Policy, rt.Metering, rt.Artifacts,
		runner.WithWebhookSecret(cfg.WebhookSecret),
		runner.WithVerboseArtifacts(cfg.VerboseArtifacts),
	)

	rt.Vault.StartSweeper(ctx, sessionSweepInterval)
	return rt, nil
}

// RegisterWorkflow registers the definition and its handler together, so a
// definition can never exist without a handler or the reverse.
func (rt *Runtime) RegisterWorkflow(def *registry.Definition, h runner.Handler) error {
	if err := rt.Registry.Register(def); err != nil {
		return err
	}
	rt.Runner.RegisterHandler(def.ID, h)
	rt.logger.Info("workflow registered", "workflow_id", def.ID, "version", def.Version)
	return nil
}

// Close releases the attached backends.
func (rt *Runtime) Close() error {
	var firstErr error
	for _, c := range rt.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
