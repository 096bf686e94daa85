package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/services"
)

// Collector refreshes the board and instance gauges on a fixed interval
// and feeds the event counters from the bus.
type Collector struct {
	board     *board.Board
	instances *services.InstanceService
	interval  time.Duration
	log       *slog.Logger

	sub      *events.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector polling the given sources.
func NewCollector(b *board.Board, instances *services.InstanceService, interval time.Duration) *Collector {
	if b == nil || instances == nil {
		panic("metrics: collector requires a board and an instance service")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		board:     b,
		instances: instances,
		interval:  interval,
		log:       slog.With("component", "metrics"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the gauge refresh loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Attach subscribes the event counters to the bus.
func (c *Collector) Attach(bus *events.Bus) {
	if bus == nil {
		return
	}
	c.sub = bus.Subscribe("*", c.onEvent)
}

// Detach removes the bus subscription added by Attach.
func (c *Collector) Detach(bus *events.Bus) {
	if bus == nil || c.sub == nil {
		return
	}
	bus.Unsubscribe(c.sub)
	c.sub = nil
}

// Stop halts the refresh loop. Idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.board.CountByStatus(ctx)
	if err != nil {
		c.log.Warn("failed to collect task counts", "error", err)
	} else {
		for status, n := range counts {
			TasksTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	instances, err := c.instances.GetInstances(ctx)
	if err != nil {
		c.log.Warn("failed to collect instance counts", "error", err)
		return
	}
	byRoleStatus := make(map[string]map[string]int)
	for _, inst := range instances {
		status := string(inst.Status)
		if byRoleStatus[inst.Role] == nil {
			byRoleStatus[inst.Role] = make(map[string]int)
		}
		byRoleStatus[inst.Role][status]++
	}
	// Reset so (role, status) pairs that emptied out do not linger at
	// their last value.
	InstancesTotal.Reset()
	for role, statuses := range byRoleStatus {
		for status, count := range statuses {
			InstancesTotal.WithLabelValues(role, status).Set(float64(count))
		}
	}
}

func (c *Collector) onEvent(_ context.Context, evt events.Event) {
	EventsEmitted.WithLabelValues(evt.Name).Inc()
	if evt.Name == events.TaskClaimed {
		if role, ok := evt.Data["role"].(string); ok {
			TasksClaimed.WithLabelValues(role).Inc()
		}
	}
}
