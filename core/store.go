package core

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSmoothingWindow is the number of RSSI samples averaged per
	// neighbor edge when no explicit window size is configured.
	DefaultSmoothingWindow = 3

	// DefaultStaleness is how long a sample stays usable before it is
	// evicted from its window.
	DefaultStaleness = 15 * time.Second
)

// StoreConfig carries the tunables the store honours. Zero values fall back
// to the defaults above.
type StoreConfig struct {
	SmoothingWindow int
	Staleness       time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.SmoothingWindow < 1 {
		c.SmoothingWindow = DefaultSmoothingWindow
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	return c
}

// MeasurementStore is the live graph of AP → Radio → NeighborObservation
// measurements. It is concurrency-safe via an internal RWMutex so that
// independent collector goroutines can mutate it while the estimator takes
// consistent snapshots. All critical sections are pure field updates; no
// I/O ever happens under the lock.
type MeasurementStore struct {
	mu  sync.RWMutex
	cfg StoreConfig

	// now is the clock used for sample freshness; swapped in tests.
	now func() time.Time

	seq   int64
	nodes map[NodeID]*nodeEntry
	edges map[edgeKey]*sampleWindow

	hooks []func()
}

type nodeEntry struct {
	liveness  Liveness
	firstSeen int64
	name      string
	radios    map[int]*radioEntry
}

type radioEntry struct {
	channel      int
	txPowerDBm   float64
	mode         string
	channelState ACSPState
	powerState   ACSPState
	noiseFloor   *scalarWindow
}

type edgeKey struct {
	Observer RadioID
	Observed RadioID
}

// NewMeasurementStore creates an empty store.
func NewMeasurementStore(cfg StoreConfig) *MeasurementStore {
	return &MeasurementStore{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		nodes: make(map[NodeID]*nodeEntry),
		edges: make(map[edgeKey]*sampleWindow),
	}
}

// OnChange registers a hook invoked after every successful mutation, outside
// the store lock. Hooks must be non-blocking; the coordinator uses one to
// schedule a debounced estimator pass.
func (s *MeasurementStore) OnChange(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *MeasurementStore) notify() {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// RegisterNode creates a node in UNKNOWN liveness. Registering an address
// that is already tracked is a no-op, so the discovery loop can re-announce
// nodes freely; identity (and any prior coordinate held by the coordinator)
// is reused.
func (s *MeasurementStore) RegisterNode(id NodeID) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if _, exists := s.nodes[id]; exists {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.nodes[id] = &nodeEntry{
		liveness:  LivenessUnknown,
		firstSeen: s.seq,
		radios:    make(map[int]*radioEntry),
	}
	s.mu.Unlock()
	s.notify()
}

// SetNodeName stores the platform name reported by the node, for display.
func (s *MeasurementStore) SetNodeName(id NodeID, name string) {
	s.mu.Lock()
	if n, ok := s.nodes[id]; ok {
		n.name = name
	}
	s.mu.Unlock()
}

// UpdateRadio upserts per-radio telemetry fields. Updating a radio on an
// unregistered node is a no-op, not an error: offline detection and
// in-flight telemetry race by design and the late write simply loses.
func (s *MeasurementStore) UpdateRadio(node NodeID, index int, up RadioUpdate) {
	s.mu.Lock()
	n, ok := s.nodes[node]
	if !ok {
		s.mu.Unlock()
		return
	}
	r, ok := n.radios[index]
	if !ok {
		r = &radioEntry{noiseFloor: newScalarWindow(s.cfg.SmoothingWindow)}
		n.radios[index] = r
	}
	if up.Channel != nil {
		r.channel = *up.Channel
	}
	if up.TxPowerDBm != nil {
		r.txPowerDBm = *up.TxPowerDBm
	}
	if up.Mode != nil {
		r.mode = *up.Mode
	}
	if up.ChannelState != nil {
		r.channelState = *up.ChannelState
	}
	if up.PowerState != nil {
		r.powerState = *up.PowerState
	}
	if up.NoiseFloorDBm != nil {
		r.noiseFloor.Add(*up.NoiseFloorDBm, s.now())
	}
	s.mu.Unlock()
	s.notify()
}

// UpdateNeighborSample records one directed RSSI observation. Both endpoint
// radios must currently exist; otherwise the sample is dropped silently so
// that reports mentioning not-yet-discovered (or just-removed) APs do not
// create dangling edges.
func (s *MeasurementStore) UpdateNeighborSample(observer, observed RadioID, rssiDBm, txPowerDBm float64, ts time.Time) {
	s.mu.Lock()
	if !s.radioExistsLocked(observer) || !s.radioExistsLocked(observed) {
		s.mu.Unlock()
		return
	}
	key := edgeKey{Observer: observer, Observed: observed}
	w, ok := s.edges[key]
	if !ok {
		w = newSampleWindow(s.cfg.SmoothingWindow)
		s.edges[key] = w
	}
	w.Add(Sample{RSSIdBm: rssiDBm, TxPowerDBm: txPowerDBm, Timestamp: ts})
	s.mu.Unlock()
	s.notify()
}

// MarkOnline transitions a node to ONLINE liveness. Unregistered nodes are
// ignored.
func (s *MeasurementStore) MarkOnline(id NodeID) {
	s.setLiveness(id, LivenessOnline)
}

// MarkOffline transitions a node to OFFLINE liveness. The node and its
// measurements are retained for the grace period (see RemoveNode); only its
// participation in estimation stops.
func (s *MeasurementStore) MarkOffline(id NodeID) {
	s.setLiveness(id, LivenessOffline)
}

func (s *MeasurementStore) setLiveness(id NodeID, l Liveness) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok || n.liveness == l {
		s.mu.Unlock()
		return
	}
	n.liveness = l
	s.mu.Unlock()
	s.notify()
}

// RemoveNode deletes a node, its radios, and every edge that references it
// in either direction, all within one critical section so no intermediate
// state with dangling edges is externally observable. Removing an unknown
// node is a no-op.
func (s *MeasurementStore) RemoveNode(id NodeID) {
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.nodes, id)
	for key := range s.edges {
		if key.Observer.Node == id || key.Observed.Node == id {
			delete(s.edges, key)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Liveness reports the current liveness of a node.
func (s *MeasurementStore) Liveness(id NodeID) Liveness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nodes[id]; ok {
		return n.liveness
	}
	return LivenessUnknown
}

// NodeIDs returns all tracked node IDs in first-seen order.
func (s *MeasurementStore) NodeIDs() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.nodes[out[i]].firstSeen < s.nodes[out[j]].firstSeen
	})
	return out
}

func (s *MeasurementStore) radioExistsLocked(id RadioID) bool {
	n, ok := s.nodes[id.Node]
	if !ok {
		return false
	}
	_, ok = n.radios[id.Index]
	return ok
}

// Snapshot returns a point-in-time consistent, deep-copied view of the
// graph. Neighbor edges are already smoothed (window mean) and staleness
// filtered: an edge with no fresh sample does not appear at all. Taking a
// snapshot also garbage-collects expired samples, which is why it briefly
// holds the write lock; estimation itself runs entirely on the returned
// copy.
func (s *MeasurementStore) Snapshot() *Snapshot {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		TakenAt: now,
		Nodes:   make(map[NodeID]NodeView, len(s.nodes)),
	}

	for id, n := range s.nodes {
		view := NodeView{
			ID:        id,
			Name:      n.name,
			Liveness:  n.liveness,
			FirstSeen: n.firstSeen,
		}
		indexes := make([]int, 0, len(n.radios))
		for idx := range n.radios {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			r := n.radios[idx]
			rv := RadioView{
				ID:           RadioID{Node: id, Index: idx},
				Channel:      r.channel,
				FreqGHz:      ChannelGHz(r.channel),
				TxPowerDBm:   r.txPowerDBm,
				Mode:         r.mode,
				ChannelState: r.channelState,
				PowerState:   r.powerState,
			}
			if nf, ok := r.noiseFloor.Mean(now, s.cfg.Staleness); ok {
				rv.NoiseFloorDBm = nf
				rv.HasNoiseFloor = true
			}
			view.Radios = append(view.Radios, rv)
		}
		snap.Nodes[id] = view
	}

	for key, w := range s.edges {
		mean, ok := w.MeanRSSI(now, s.cfg.Staleness)
		if !ok {
			// Fully stale edge: drop the window too, the edge is absent.
			delete(s.edges, key)
			continue
		}
		latest, _ := w.Latest(now, s.cfg.Staleness)
		snap.Edges = append(snap.Edges, EdgeView{
			Observer:   key.Observer,
			Observed:   key.Observed,
			RSSIdBm:    mean,
			TxPowerDBm: latest.TxPowerDBm,
			Samples:    len(w.samples),
			LastSample: latest.Timestamp,
		})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.Observer != b.Observer {
			return lessRadioID(a.Observer, b.Observer)
		}
		return lessRadioID(a.Observed, b.Observed)
	})

	return snap
}

func lessRadioID(a, b RadioID) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	return a.Index < b.Index
}
