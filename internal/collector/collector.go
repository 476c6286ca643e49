// Package collector runs the telemetry side of the monitor: one polling
// goroutine per discovered AP feeding the measurement store, plus a
// discovery loop that brings new APs under management. It owns liveness
// decisions (offline after N consecutive poll failures) but no estimation
// logic.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/cachalot1984/ah-apmon/core"
	"github.com/cachalot1984/ah-apmon/internal/logging"
	"github.com/cachalot1984/ah-apmon/internal/observability"
)

// RadioReport is the already-parsed per-radio slice of one poll response.
type RadioReport struct {
	Index         int
	Channel       int
	TxPowerDBm    float64
	Mode          string
	ChannelState  core.ACSPState
	PowerState    core.ACSPState
	NoiseFloorDBm *float64
}

// NeighborReport is one directed RSSI observation from a poll response.
type NeighborReport struct {
	ObserverIndex int
	Observed      core.RadioID
	RSSIdBm       float64
	TxPowerDBm    float64
	Timestamp     time.Time // zero means the time of the poll
}

// Report is everything one successful poll of an AP yields.
type Report struct {
	Name      string
	Radios    []RadioReport
	Neighbors []NeighborReport
}

// Prober fetches one telemetry report from an AP. Implementations wrap the
// remote query transport; the simulated fleet implements it in-process.
type Prober interface {
	Probe(ctx context.Context, id core.NodeID) (*Report, error)
}

// Discoverer lists the AP identities currently visible on the subnet.
type Discoverer interface {
	Discover(ctx context.Context) ([]core.NodeID, error)
}

// Config carries the collector cadence and failure knobs.
type Config struct {
	PollInterval     time.Duration
	DiscoverInterval time.Duration
	// OfflineThreshold is the number of consecutive poll failures after
	// which a node is marked offline.
	OfflineThreshold int
	// RemoveAfter evicts a node from the store once it has been offline
	// this long. Zero keeps offline nodes forever.
	RemoveAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.DiscoverInterval <= 0 {
		c.DiscoverInterval = 30 * time.Second
	}
	if c.OfflineThreshold < 1 {
		c.OfflineThreshold = 3
	}
	return c
}

// Runner owns the discovery loop and the per-node polling goroutines.
type Runner struct {
	cfg        Config
	store      *core.MeasurementStore
	prober     Prober
	discoverer Discoverer
	log        logging.Logger
	metrics    *observability.MonitorCollector

	mu     sync.Mutex
	agents map[core.NodeID]context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a collector. discoverer and metrics may be nil; without
// a discoverer only nodes added via Track are polled.
func NewRunner(cfg Config, store *core.MeasurementStore, prober Prober, discoverer Discoverer, log logging.Logger, metrics *observability.MonitorCollector) *Runner {
	if log == nil {
		log = logging.Noop()
	}
	return &Runner{
		cfg:        cfg.withDefaults(),
		store:      store,
		prober:     prober,
		discoverer: discoverer,
		log:        log,
		metrics:    metrics,
		agents:     make(map[core.NodeID]context.CancelFunc),
	}
}

// Run drives discovery until the context is cancelled, then waits for every
// polling goroutine to stop.
func (r *Runner) Run(ctx context.Context) error {
	r.discover(ctx)

	ticker := time.NewTicker(r.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.discover(ctx)
		}
	}
}

func (r *Runner) discover(ctx context.Context) {
	if r.discoverer == nil {
		return
	}
	ids, err := r.discoverer.Discover(ctx)
	if err != nil {
		r.log.Warn(ctx, "discovery failed", logging.String("error", err.Error()))
		return
	}
	for _, id := range ids {
		r.Track(ctx, id)
	}
}

// Track registers a node in the store and starts its polling goroutine.
// Tracking an already-tracked node is a no-op, so discovery may re-announce
// freely.
func (r *Runner) Track(ctx context.Context, id core.NodeID) {
	r.mu.Lock()
	if _, ok := r.agents[id]; ok {
		r.mu.Unlock()
		return
	}
	nodeCtx, cancel := context.WithCancel(ctx)
	r.agents[id] = cancel
	r.mu.Unlock()

	r.store.RegisterNode(id)
	r.log.Info(ctx, "tracking node", logging.String("node", string(id)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollNode(nodeCtx, id)
	}()
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.agents {
		cancel()
		delete(r.agents, id)
	}
}

func (r *Runner) untrack(id core.NodeID) {
	r.mu.Lock()
	if cancel, ok := r.agents[id]; ok {
		cancel()
		delete(r.agents, id)
	}
	r.mu.Unlock()
}

// pollNode is the per-AP refresh loop. It polls immediately, then on every
// tick; consecutive failures beyond the threshold flip the node offline,
// and the first success afterwards flips it back online.
func (r *Runner) pollNode(ctx context.Context, id core.NodeID) {
	log := r.log.With(logging.String("node", string(id)))

	var failures int
	var offlineSince time.Time

	poll := func() {
		report, err := r.prober.Probe(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			r.metrics.IncPollFailure(string(id))
			log.Debug(ctx, "poll failed",
				logging.Int("consecutive_failures", failures),
				logging.String("error", err.Error()))
			if failures == r.cfg.OfflineThreshold {
				log.Warn(ctx, "node offline", logging.Int("failed_polls", failures))
				r.store.MarkOffline(id)
				offlineSince = time.Now()
			}
			if r.cfg.RemoveAfter > 0 && !offlineSince.IsZero() && time.Since(offlineSince) >= r.cfg.RemoveAfter {
				log.Info(ctx, "evicting node after extended offline period")
				r.store.RemoveNode(id)
				r.untrack(id)
			}
			return
		}

		if failures >= r.cfg.OfflineThreshold {
			log.Info(ctx, "node back online")
		}
		failures = 0
		offlineSince = time.Time{}
		r.apply(id, report)
		r.store.MarkOnline(id)
	}

	poll()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// apply pushes one report into the store. Radios first, so neighbor samples
// naming this node's radios resolve; samples naming radios the store has
// never seen are dropped by the store itself.
func (r *Runner) apply(id core.NodeID, report *Report) {
	if report.Name != "" {
		r.store.SetNodeName(id, report.Name)
	}
	for _, radio := range report.Radios {
		radio := radio
		up := core.RadioUpdate{
			Channel:       &radio.Channel,
			TxPowerDBm:    &radio.TxPowerDBm,
			NoiseFloorDBm: radio.NoiseFloorDBm,
		}
		if radio.Mode != "" {
			up.Mode = &radio.Mode
		}
		if radio.ChannelState != "" {
			up.ChannelState = &radio.ChannelState
		}
		if radio.PowerState != "" {
			up.PowerState = &radio.PowerState
		}
		r.store.UpdateRadio(id, radio.Index, up)
	}
	now := time.Now()
	for _, nbr := range report.Neighbors {
		ts := nbr.Timestamp
		if ts.IsZero() {
			ts = now
		}
		observer := core.RadioID{Node: id, Index: nbr.ObserverIndex}
		r.store.UpdateNeighborSample(observer, nbr.Observed, nbr.RSSIdBm, nbr.TxPowerDBm, ts)
	}
}
