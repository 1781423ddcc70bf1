// Package core ties launcher selection, the readiness wait and the run
// history together.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/node"
	"github.com/3cpo-dev/testnode/internal/telemetry"
	"github.com/3cpo-dev/testnode/pkg/api"
)

// cleanupTimeout bounds the stop issued after a failed readiness wait.
const cleanupTimeout = 15 * time.Second

// Orchestrator is the entrypoint for bootstrapping a node.
type Orchestrator struct {
	registry *launcher.Registry
	store    *Store
	metrics  *telemetry.Collector
}

// NewOrchestrator wires the orchestrator. store and metrics may be nil.
func NewOrchestrator(registry *launcher.Registry, store *Store, metrics *telemetry.Collector) *Orchestrator {
	return &Orchestrator{registry: registry, store: store, metrics: metrics}
}

func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.store != nil {
		return o.store.Ping(ctx)
	}
	return nil
}

// Run selects the launcher for rc's mode, recreates the workspace, launches
// the node and waits for probe to see it ready. On any failure after launch
// the node is stopped before the error is returned. An unknown mode fails
// before anything is recorded or touched.
func (o *Orchestrator) Run(ctx context.Context, rc node.RunConfig, probe node.Probe) (*node.Handle, error) {
	l, err := o.registry.Select(rc.Mode())
	if err != nil {
		return nil, err
	}
	if probe == nil {
		probe = node.HTTPProbe{}
	}

	rec := &api.RunRecord{
		ID:      uuid.NewString(),
		Mode:    string(rc.Mode()),
		WorkDir: rc.WorkDir(),
		Args:    rc.BinaryArgs(),
		Status:  api.RunPending,
	}
	if rc.Mode() == node.ModeContainer {
		rec.Image = rc.Image()
	}
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.CreateRun(ctx, rec) })
	ctx = node.WithRunID(ctx, rec.ID)
	labels := map[string]string{"mode": string(rc.Mode())}
	o.metrics.Counter("testnode_runs_total", 1, labels)
	logger := log.With().Str("run", rec.ID).Str("mode", string(rc.Mode())).Logger()

	scope := o.metrics.StartScope("testnode_prepare_duration", labels)
	logger.Info().Str("workdir", rc.WorkDir()).Msg("Preparing workspace")
	if err := l.Prepare(ctx, rc); err != nil {
		return nil, o.fail(ctx, rec.ID, labels, err)
	}
	scope.End()

	scope = o.metrics.StartScope("testnode_launch_duration", labels)
	h, err := l.Launch(ctx, rc)
	if err != nil {
		return nil, o.fail(ctx, rec.ID, labels, err)
	}
	scope.End()
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.SetNode(ctx, rec.ID, h.ID(), h.RPCAddr()) })
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, rec.ID, api.RunRunning, nil) })
	logger.Info().Str("node", h.ID()).Str("rpc", h.RPCAddr()).Msg("Node launched")

	scope = o.metrics.StartScope("testnode_ready_duration", labels)
	logger.Info().Str("probe", probe.Name()).Dur("timeout", rc.ReadyTimeout()).Msg("Waiting for node")
	if err := node.NewWaiter(rc.ReadyTimeout()).Wait(ctx, h, probe); err != nil {
		for _, line := range h.Tail(10) {
			logger.Warn().Str("node", h.ID()).Msg(line)
		}
		sctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if serr := h.Stop(sctx); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to stop node after failed wait")
		}
		if errors.Is(err, node.ErrCanceled) {
			o.record(sctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, rec.ID, api.RunStopped, err) })
			return nil, err
		}
		return nil, o.fail(sctx, rec.ID, labels, err)
	}
	ready := scope.End()
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, rec.ID, api.RunReady, nil) })
	logger.Info().Dur("took", ready).Str("rpc", h.RPCAddr()).Msg("Node is ready")
	return h, nil
}

// Stop stops h and records the run as stopped.
func (o *Orchestrator) Stop(ctx context.Context, h *node.Handle) error {
	err := h.Stop(ctx)
	status := api.RunStopped
	if err != nil {
		status = api.RunFailed
	}
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, h.RunID(), status, err) })
	o.metrics.Counter("testnode_stops_total", 1, map[string]string{"mode": string(h.Mode())})
	return err
}

// StopRun stops a node left running by an earlier, detached invocation.
// Only launchers that can address a node by id support this.
func (o *Orchestrator) StopRun(ctx context.Context, runID string) (api.RunRecord, error) {
	if o.store == nil {
		return api.RunRecord{}, node.ConfigError("stop run", errors.New("run history is disabled"))
	}
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return rec, err
	}
	if rec.Status.Terminal() {
		return rec, &node.Error{Kind: node.ErrInvalidState, Op: "stop run", Err: fmt.Errorf("run %s is already %s", rec.ID, rec.Status)}
	}
	l, err := o.registry.Select(node.Mode(rec.Mode))
	if err != nil {
		return rec, err
	}
	r, ok := l.(launcher.Remover)
	if !ok {
		return rec, node.ConfigError("stop run", fmt.Errorf("%s runs end with the command that started them", rec.Mode))
	}
	if rec.NodeID != "" {
		if err := r.Remove(ctx, rec.NodeID); err != nil {
			o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, rec.ID, api.RunFailed, err) })
			return rec, err
		}
	}
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, rec.ID, api.RunStopped, nil) })
	rec.Status = api.RunStopped
	return rec, nil
}

// Runs lists the run history, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]api.RunRecord, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ListRuns(ctx, limit)
}

func (o *Orchestrator) fail(ctx context.Context, id string, labels map[string]string, err error) error {
	o.metrics.Counter("testnode_failures_total", 1, labels)
	o.record(ctx, func(ctx context.Context, s *Store) error { return s.UpdateStatus(ctx, id, api.RunFailed, err) })
	return err
}

// record applies fn to the store. History is best effort and never fails a
// run.
func (o *Orchestrator) record(ctx context.Context, fn func(context.Context, *Store) error) {
	if o.store == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), o.store); err != nil {
		log.Warn().Err(err).Msg("Failed to update run history")
	}
}
