// Package scaler adjusts per-role instance counts from pending-queue
// depth. Roles opt in via auto_scale in their configuration; the scaler
// spawns extra instances when the queue backs up and retires them once
// the queue drains and they have sat idle long enough.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/metrics"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// Factory spawns a new agent instance for a role. Fleet.Spawn satisfies
// this.
type Factory func(ctx context.Context, role, instanceID string) error

// Stopper retires a running agent instance. Fleet.StopInstance
// satisfies this.
type Stopper func(ctx context.Context, instanceID string) error

const (
	directionUp   = "up"
	directionDown = "down"
)

// cooldownKey separates up and down cooldowns for the same role.
type cooldownKey struct {
	role      string
	direction string
}

// Scaler runs the scaling loop. Without a factory or stopper it cannot
// act; it then emits autoscale.needed events so an operator (or an
// external supervisor) can.
type Scaler struct {
	cfg       *config.Config
	board     *board.Board
	instances *services.InstanceService
	factory   Factory
	stopper   Stopper
	bus       *events.Bus
	log       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// extra, spawned, and cooldowns are touched only by the tick
	// goroutine and need no locking. Cooldown entries hold time.Now
	// values, whose monotonic reading makes the comparison immune to
	// wall-clock jumps.
	extra     map[string]int
	spawned   map[string]bool
	cooldowns map[cooldownKey]time.Time
	now       func() time.Time
}

// New creates a Scaler. The factory, stopper, and bus may each be nil:
// a nil factory or stopper downgrades that direction to
// autoscale.needed events, and a nil bus drops them.
func New(cfg *config.Config, b *board.Board, instances *services.InstanceService, factory Factory, stopper Stopper, bus *events.Bus) *Scaler {
	if cfg == nil {
		panic("scaler.New: cfg must not be nil")
	}
	if b == nil {
		panic("scaler.New: board must not be nil")
	}
	if instances == nil {
		panic("scaler.New: instances must not be nil")
	}
	return &Scaler{
		cfg:       cfg,
		board:     b,
		instances: instances,
		factory:   factory,
		stopper:   stopper,
		bus:       bus,
		log:       slog.With("component", "scaler"),
		stopCh:    make(chan struct{}),
		extra:     make(map[string]int),
		spawned:   make(map[string]bool),
		cooldowns: make(map[cooldownKey]time.Time),
		now:       time.Now,
	}
}

// Start launches the scaling loop.
func (s *Scaler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for the current tick to
// finish.
func (s *Scaler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scaler) run(ctx context.Context) {
	defer s.wg.Done()

	s.log.Info("auto-scaler started", "interval", s.cfg.Scaler.Interval)

	ticker := time.NewTicker(s.cfg.Scaler.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Info("auto-scaler shutting down")
			return
		case <-ctx.Done():
			s.log.Info("context cancelled, auto-scaler shutting down")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every auto-scaled role once. A role that fails to
// evaluate is logged and skipped; it never blocks the others.
func (s *Scaler) Tick(ctx context.Context) {
	for _, name := range s.cfg.Roles.Names() {
		role, err := s.cfg.GetRole(name)
		if err != nil || !role.ScaleEnabled() {
			continue
		}
		if err := s.evaluateRole(ctx, role); err != nil {
			s.log.Error("scaling evaluation failed", "role", role.Name, "error", err)
		}
	}
}

func (s *Scaler) evaluateRole(ctx context.Context, role *config.RoleConfig) error {
	pending, err := s.board.CountPending(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("counting pending tasks: %w", err)
	}
	active, err := s.instances.CountActive(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("counting active instances: %w", err)
	}

	threshold := role.AutoScale.ScaleUpThreshold
	if pending > threshold && active < role.MaxInstances && !s.onCooldown(role.Name, directionUp) {
		return s.scaleUp(ctx, role, pending, active)
	}
	if s.extra[role.Name] > 0 && pending == 0 && !s.onCooldown(role.Name, directionDown) {
		return s.scaleDown(ctx, role)
	}
	return nil
}

func (s *Scaler) scaleUp(ctx context.Context, role *config.RoleConfig, pending, active int) error {
	needed := min(pending-role.AutoScale.ScaleUpThreshold, role.MaxInstances-active)

	if s.factory == nil {
		s.log.Warn("scale-up needed but no factory configured", "role", role.Name, "needed", needed)
		s.emit(map[string]any{"role": role.Name, "direction": directionUp, "needed": needed})
		return nil
	}

	for i := 0; i < needed; i++ {
		id := fmt.Sprintf("%s-auto-%d", role.Name, s.extra[role.Name]+1)
		if err := s.factory(ctx, role.Name, id); err != nil {
			return fmt.Errorf("spawning %s: %w", id, err)
		}
		s.extra[role.Name]++
		s.spawned[id] = true
		s.recordAction(role.Name, directionUp)
		s.log.Info("scaled up", "role", role.Name, "instance_id", id,
			"pending", pending, "extra", s.extra[role.Name])
	}
	return nil
}

func (s *Scaler) scaleDown(ctx context.Context, role *config.RoleConfig) error {
	candidates, err := s.idleCandidates(ctx, role.Name)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	stop := min(s.extra[role.Name], len(candidates))
	if s.stopper == nil {
		s.log.Warn("scale-down needed but no stopper configured", "role", role.Name, "needed", stop)
		s.emit(map[string]any{"role": role.Name, "direction": directionDown, "needed": stop})
		return nil
	}

	for _, inst := range candidates[:stop] {
		if err := s.stopper(ctx, inst.ID); err != nil {
			return fmt.Errorf("stopping %s: %w", inst.ID, err)
		}
		s.extra[role.Name]--
		delete(s.spawned, inst.ID)
		s.recordAction(role.Name, directionDown)
		s.log.Info("scaled down", "role", role.Name, "instance_id", inst.ID,
			"extra", s.extra[role.Name])
	}
	return nil
}

// idleCandidates returns the role's instances that have been idle at
// least the idle threshold, the scaler's own spawns first. Idle
// duration is measured from the stored last_heartbeat (idle loops let
// it age), falling back to started_at.
func (s *Scaler) idleCandidates(ctx context.Context, role string) ([]*models.Instance, error) {
	instances, err := s.instances.StoredInstancesByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	now := s.now()
	var candidates []*models.Instance
	for _, inst := range instances {
		if inst.Status != models.InstanceIdle {
			continue
		}
		since := inst.LastHeartbeat
		if since.IsZero() {
			since = inst.StartedAt
		}
		if now.Sub(since) >= s.cfg.Scaler.IdleThreshold {
			candidates = append(candidates, inst)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return s.spawned[candidates[i].ID] && !s.spawned[candidates[j].ID]
	})
	return candidates, nil
}

func (s *Scaler) onCooldown(role, direction string) bool {
	last, ok := s.cooldowns[cooldownKey{role, direction}]
	if !ok {
		return false
	}
	return s.now().Sub(last) < s.cfg.Scaler.Cooldown
}

func (s *Scaler) recordAction(role, direction string) {
	s.cooldowns[cooldownKey{role, direction}] = s.now()
	metrics.ScalerActions.WithLabelValues(role, direction).Inc()
}

func (s *Scaler) emit(data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.AutoscaleNeeded, data)
}
