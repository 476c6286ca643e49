// Package coordinator schedules estimation passes against the measurement
// store and publishes the resulting coordinate map. Store mutations request
// a pass through a debounce window so bursts of telemetry collapse into one
// recomputation.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cachalot1984/ah-apmon/core"
	"github.com/cachalot1984/ah-apmon/internal/logging"
	"github.com/cachalot1984/ah-apmon/internal/observability"
)

// Mode selects who may move coordinates next.
type Mode string

const (
	// ModeAuto recomputes every non-manual coordinate on each pass.
	ModeAuto Mode = "auto"
	// ModeManual still runs automatic placement, but exists as an explicit
	// state for UIs: manually placed nodes stay pinned either way.
	ModeManual Mode = "manual"
	// ModeRandom additionally seeds nodes the estimator could not place
	// with a random coordinate inside the configured extent.
	ModeRandom Mode = "random"
)

// Event is published to subscribers whenever a new placement is available.
type Event struct {
	PassID    string
	Placement core.Placement
}

// HistorySink records finished placements; the sqlite recorder implements
// it. Recording failures are logged, never fatal to the pass.
type HistorySink interface {
	RecordPlacement(ctx context.Context, passID string, takenAt time.Time, p core.Placement) error
}

// Config carries the coordinator tunables.
type Config struct {
	Debounce time.Duration
	// RandomExtentM bounds random seeding to [-extent, extent] on each
	// axis.
	RandomExtentM float64
	// RandomSeed makes random seeding reproducible when non-zero.
	RandomSeed int64
	Estimator  core.EstimatorConfig
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.RandomExtentM <= 0 {
		c.RandomExtentM = 100
	}
	return c
}

// Coordinator owns the published placement and the pass schedule.
type Coordinator struct {
	cfg     Config
	store   *core.MeasurementStore
	est     *core.Estimator
	log     logging.Logger
	metrics *observability.MonitorCollector
	history HistorySink
	tracer  trace.Tracer

	kick chan struct{}

	mu      sync.RWMutex
	mode    Mode
	current core.Placement
	rng     *rand.Rand
	subs    map[int]func(Event)
	nextSub int
}

// New creates a coordinator in AUTO mode. metrics and history may be nil.
// Callers wire store change notifications with store.OnChange(c.Touch).
func New(cfg Config, store *core.MeasurementStore, log logging.Logger, metrics *observability.MonitorCollector, history HistorySink) *Coordinator {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.Noop()
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		est:     core.NewEstimator(cfg.Estimator),
		log:     log,
		metrics: metrics,
		history: history,
		tracer:  otel.Tracer("apmon/coordinator"),
		kick:    make(chan struct{}, 1),
		mode:    ModeAuto,
		current: emptyPlacement(),
		rng:     rand.New(rand.NewSource(seed)),
		subs:    make(map[int]func(Event)),
	}
}

func emptyPlacement() core.Placement {
	return core.Placement{
		Coordinates: make(map[core.NodeID]core.Coordinate),
		Errors:      make(map[core.NodeID]error),
	}
}

// Touch requests a recomputation. It never blocks, so it is safe as a store
// change hook; overlapping requests coalesce into one pass.
func (c *Coordinator) Touch() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run services pass requests until the context is cancelled. Each burst of
// Touch calls is debounced into a single pass.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		}

		timer := time.NewTimer(c.cfg.Debounce)
	debounce:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-c.kick:
				// Coalesce without extending the window, so a steady
				// mutation stream cannot starve recomputation.
			case <-timer.C:
				break debounce
			}
		}
		c.RunPass(ctx)
	}
}

// RunPass performs one estimation pass immediately and publishes the
// result.
func (c *Coordinator) RunPass(ctx context.Context) core.Placement {
	start := time.Now()
	ctx, passID := logging.EnsurePassID(ctx)
	log := c.log.With(logging.String("pass_id", passID))

	ctx, span := c.tracer.Start(ctx, "estimator.pass")
	defer span.End()

	snap := c.store.Snapshot()
	prev := c.CurrentCoordinates()
	placement := c.est.Estimate(snap, prev)

	c.mu.Lock()
	if c.mode == ModeRandom {
		c.seedRandomLocked(&placement)
	}
	c.current = placement
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	online := 0
	for _, n := range snap.Nodes {
		if n.Liveness == core.LivenessOnline {
			online++
		}
	}
	elapsed := time.Since(start)
	c.metrics.SetGraphCounts(len(snap.Nodes), online, len(snap.Edges))
	c.metrics.ObservePass(elapsed, len(placement.Coordinates), len(placement.Unplaced))
	for id, err := range placement.Errors {
		c.metrics.IncPlacementError(string(id))
		log.Warn(ctx, "node placement failed",
			logging.String("node", string(id)),
			logging.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.Int("apmon.nodes", len(snap.Nodes)),
		attribute.Int("apmon.edges", len(snap.Edges)),
		attribute.Int("apmon.placed", len(placement.Coordinates)),
		attribute.Int("apmon.unplaced", len(placement.Unplaced)),
	)
	log.Info(ctx, "estimation pass complete",
		logging.Int("nodes", len(snap.Nodes)),
		logging.Int("edges", len(snap.Edges)),
		logging.Int("placed", len(placement.Coordinates)),
		logging.Int("unplaced", len(placement.Unplaced)),
		logging.Duration("elapsed", elapsed))

	if c.history != nil {
		if err := c.history.RecordPlacement(ctx, passID, snap.TakenAt, placement); err != nil {
			log.Warn(ctx, "history recording failed", logging.String("error", err.Error()))
		}
	}

	ev := Event{PassID: passID, Placement: placement}
	for _, fn := range subs {
		fn(ev)
	}
	return placement
}

// seedRandomLocked assigns random coordinates to every node the pass left
// unplaced. Seeded nodes keep their coordinate on later passes through the
// estimator's prior-coordinate fallback until real references appear.
func (c *Coordinator) seedRandomLocked(p *core.Placement) {
	if len(p.Unplaced) == 0 {
		return
	}
	extent := c.cfg.RandomExtentM
	for _, id := range p.Unplaced {
		p.Coordinates[id] = core.Coordinate{
			X:          (c.rng.Float64()*2 - 1) * extent,
			Y:          (c.rng.Float64()*2 - 1) * extent,
			Provenance: core.ProvenanceRandom,
		}
	}
	p.Unplaced = nil
}

// CurrentCoordinates returns a copy of the published coordinate map.
func (c *Coordinator) CurrentCoordinates() map[core.NodeID]core.Coordinate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[core.NodeID]core.Coordinate, len(c.current.Coordinates))
	for id, coord := range c.current.Coordinates {
		out[id] = coord
	}
	return out
}

// CurrentPlacement returns the last published placement.
func (c *Coordinator) CurrentPlacement() core.Placement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clonePlacement(c.current)
}

func clonePlacement(p core.Placement) core.Placement {
	out := core.Placement{
		Coordinates: make(map[core.NodeID]core.Coordinate, len(p.Coordinates)),
		Unplaced:    append([]core.NodeID(nil), p.Unplaced...),
		Errors:      make(map[core.NodeID]error, len(p.Errors)),
	}
	for id, coord := range p.Coordinates {
		out.Coordinates[id] = coord
	}
	for id, err := range p.Errors {
		out.Errors[id] = err
	}
	return out
}

// SetManualCoordinate pins a node at the given position. The estimator will
// never move it until the pin is cleared. The published placement is never
// mutated in place: the pin lands in a fresh copy that replaces it, so
// already-delivered events stay frozen.
func (c *Coordinator) SetManualCoordinate(id core.NodeID, x, y float64) {
	c.mu.Lock()
	next := clonePlacement(c.current)
	next.Coordinates[id] = core.Coordinate{X: x, Y: y, Provenance: core.ProvenanceManual}
	for i, un := range next.Unplaced {
		if un == id {
			next.Unplaced = append(next.Unplaced[:i], next.Unplaced[i+1:]...)
			break
		}
	}
	c.current = next
	c.mu.Unlock()
	c.Touch()
}

// ClearManualCoordinate releases a manual pin so the next pass may place
// the node again. Like SetManualCoordinate it swaps in a fresh copy rather
// than editing the published map.
func (c *Coordinator) ClearManualCoordinate(id core.NodeID) {
	c.mu.Lock()
	if coord, ok := c.current.Coordinates[id]; ok && coord.Provenance == core.ProvenanceManual {
		next := clonePlacement(c.current)
		delete(next.Coordinates, id)
		c.current = next
	}
	c.mu.Unlock()
	c.Touch()
}

// SetMode switches the coordination mode. The transition is idempotent and
// never discards previously computed coordinates.
func (c *Coordinator) SetMode(m Mode) {
	switch m {
	case ModeAuto, ModeManual, ModeRandom:
	default:
		return
	}
	c.mu.Lock()
	changed := c.mode != m
	c.mode = m
	c.mu.Unlock()
	if changed {
		c.Touch()
	}
}

// CurrentMode reports the active coordination mode.
func (c *Coordinator) CurrentMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Subscribe registers a callback invoked after every published pass. The
// returned function unsubscribes it.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
