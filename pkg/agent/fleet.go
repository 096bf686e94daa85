package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// Fleet owns every agent loop in the process: the boot topology from
// configuration plus any instances the auto-scaler spawns later.
type Fleet struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	loops   map[string]*Loop
	started bool
}

// FleetHealth summarizes the fleet for the health endpoint.
type FleetHealth struct {
	TotalLoops   int          `json:"total_loops"`
	WorkingLoops int          `json:"working_loops"`
	Loops        []LoopHealth `json:"loops"`
}

// NewFleet creates an empty fleet.
func NewFleet(cfg *config.Config, deps Deps) *Fleet {
	if cfg == nil {
		panic("NewFleet: cfg must not be nil")
	}
	deps.validate()
	return &Fleet{
		cfg:   cfg,
		deps:  deps,
		log:   slog.With("component", "fleet"),
		loops: make(map[string]*Loop),
	}
}

// Start spawns the boot topology: role.Instances loops per configured
// role, with IDs like "coder-1". Safe to call once; subsequent calls
// are no-ops.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		f.log.Warn("fleet already started, ignoring duplicate Start call")
		return nil
	}
	f.started = true
	f.mu.Unlock()

	stats := f.cfg.Stats()
	f.log.Info("starting fleet", "roles", stats.Roles, "boot_instances", stats.BootInstances)

	for _, name := range f.cfg.Roles.Names() {
		role, err := f.cfg.GetRole(name)
		if err != nil {
			return err
		}
		for i := 0; i < role.Instances; i++ {
			if err := f.Spawn(ctx, name, fmt.Sprintf("%s-%d", name, i+1)); err != nil {
				return fmt.Errorf("spawning boot instance for role %s: %w", name, err)
			}
		}
	}

	f.log.Info("fleet started", "loops", f.Count())
	return nil
}

// Spawn registers the instance and starts a loop for it. Used for both
// boot instances and auto-scaled ones.
func (f *Fleet) Spawn(ctx context.Context, roleName, id string) error {
	role, err := f.cfg.GetRole(roleName)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if _, exists := f.loops[id]; exists {
		f.mu.Unlock()
		return fmt.Errorf("%w: instance %s is already running", services.ErrAlreadyExists, id)
	}
	f.mu.Unlock()

	if err := f.deps.Instances.Register(ctx, id, roleName); err != nil {
		return err
	}

	loop := NewLoop(id, role, f.cfg.Loop, f.deps)
	loop.Start(ctx)

	f.mu.Lock()
	f.loops[id] = loop
	f.mu.Unlock()

	f.log.Info("instance spawned", "instance_id", id, "role", roleName)
	return nil
}

// StopInstance stops one loop and removes its registration. Used by the
// auto-scaler to retire idle extras.
func (f *Fleet) StopInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	loop, exists := f.loops[id]
	if exists {
		delete(f.loops, id)
	}
	f.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: instance %s", services.ErrNotFound, id)
	}

	if !loop.Stop() {
		f.log.Warn("loop did not stop in time", "instance_id", id)
	}
	if err := f.deps.Instances.Remove(ctx, id); err != nil {
		return err
	}

	f.log.Info("instance stopped", "instance_id", id)
	return nil
}

// Stop signals every loop to stop, waits for them, and marks their
// registrations offline. Loops finish their current cycle first.
func (f *Fleet) Stop() {
	f.mu.Lock()
	loops := make([]*Loop, 0, len(f.loops))
	for _, loop := range f.loops {
		loops = append(loops, loop)
	}
	f.mu.Unlock()

	f.log.Info("stopping fleet", "loops", len(loops))

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Stop()
		}(loop)
	}
	wg.Wait()

	// Rows survive shutdown so the dashboard can show what was running;
	// boot recovery resets them on the next start.
	for _, loop := range loops {
		if err := f.deps.Instances.UpdateStatus(context.Background(), loop.ID(), models.InstanceOffline, nil); err != nil {
			f.log.Warn("failed to mark instance offline", "instance_id", loop.ID(), "error", err)
		}
	}

	f.mu.Lock()
	f.loops = make(map[string]*Loop)
	f.mu.Unlock()

	f.log.Info("fleet stopped")
}

// Has reports whether the fleet is running a loop with the given ID.
func (f *Fleet) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.loops[id]
	return exists
}

// Count returns the number of running loops.
func (f *Fleet) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loops)
}

// Health returns per-loop health snapshots sorted by instance ID.
func (f *Fleet) Health() FleetHealth {
	f.mu.Lock()
	loops := make([]*Loop, 0, len(f.loops))
	for _, loop := range f.loops {
		loops = append(loops, loop)
	}
	f.mu.Unlock()

	health := FleetHealth{TotalLoops: len(loops)}
	for _, loop := range loops {
		h := loop.Health()
		if h.Status == models.InstanceWorking {
			health.WorkingLoops++
		}
		health.Loops = append(health.Loops, h)
	}
	sort.Slice(health.Loops, func(i, j int) bool {
		return health.Loops[i].ID < health.Loops[j].ID
	})
	return health
}
