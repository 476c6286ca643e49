package core

import (
	"fmt"
	"math"
	"sort"
)

// OrderingPolicy selects how unplaced nodes are prioritized within a pass.
type OrderingPolicy string

const (
	// OrderOccurrence processes nodes in the order they were first seen.
	OrderOccurrence OrderingPolicy = "occurrence"
	// OrderScore processes nodes by descending neighbor-table richness.
	OrderScore OrderingPolicy = "score"
)

// EstimatorConfig tunes a position-estimation pass.
type EstimatorConfig struct {
	// Ordering is the placement priority policy. Defaults to occurrence.
	Ordering OrderingPolicy

	// PreferredBandGHz selects which band's edges are used for a node pair
	// when both bands heard each other. Defaults to 2.4 GHz; the secondary
	// band is consulted only when the preferred one has no usable edges.
	PreferredBandGHz float64

	// DefaultNoiseFloorDBm is assumed when no radio reported a noise floor,
	// only relevant to score ordering.
	DefaultNoiseFloorDBm float64
}

func (c EstimatorConfig) withDefaults() EstimatorConfig {
	if c.Ordering == "" {
		c.Ordering = OrderOccurrence
	}
	if c.PreferredBandGHz == 0 {
		c.PreferredBandGHz = 2.4
	}
	if c.DefaultNoiseFloorDBm == 0 {
		c.DefaultNoiseFloorDBm = -95
	}
	return c
}

// Placement is the immutable result of one estimation pass.
type Placement struct {
	// Coordinates maps every node that has a position, with provenance.
	Coordinates map[NodeID]Coordinate
	// Unplaced lists nodes that have no coordinate after the pass, in
	// deterministic order.
	Unplaced []NodeID
	// Errors carries per-node placement failures (bad frequency data).
	// A node present here never aborts placement of the others.
	Errors map[NodeID]error
}

// Estimator converts measurement snapshots into 2-D coordinates by
// inverting free-space path loss into distances and trilaterating outward
// from a deterministic seed. Estimate is a pure function of its inputs; the
// same snapshot and prior coordinates always yield the same placement.
type Estimator struct {
	cfg EstimatorConfig
}

// NewEstimator creates an estimator with the given tunables.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg.withDefaults()}
}

// pairRange is the estimated distance between two nodes, derived from the
// smoothed edges between any of their radios.
type pairRange struct {
	meters float64
	err    error
	valid  bool
}

type estimation struct {
	cfg    EstimatorConfig
	snap   *Snapshot
	prev   map[NodeID]Coordinate
	ranges map[[2]NodeID]pairRange
	coords map[NodeID]Point
	placed map[NodeID]bool
	// order lists placed nodes in placement order; seeding references the
	// first two placed nodes in this order, not nearest first.
	order []NodeID
	errs  map[NodeID]error
}

// Estimate runs one full placement pass. prev supplies coordinates from the
// previous pass: MANUAL entries are pinned and never recomputed, entries
// for offline nodes are carried through unchanged, and any prior
// coordinate acts as a fallback for a node that cannot be placed this
// pass. Offline nodes never serve as references.
func (e *Estimator) Estimate(snap *Snapshot, prev map[NodeID]Coordinate) Placement {
	st := &estimation{
		cfg:    e.cfg,
		snap:   snap,
		prev:   prev,
		ranges: make(map[[2]NodeID]pairRange),
		coords: make(map[NodeID]Point),
		placed: make(map[NodeID]bool),
		errs:   make(map[NodeID]error),
	}

	result := Placement{
		Coordinates: make(map[NodeID]Coordinate),
		Errors:      make(map[NodeID]error),
	}

	// Pin manual coordinates and carry offline nodes through untouched.
	var candidates []NodeID
	for _, id := range snap.NodeOrder() {
		nv := snap.Nodes[id]
		if nv.Liveness == LivenessOffline {
			if c, ok := prev[id]; ok {
				result.Coordinates[id] = c
			}
			continue
		}
		if c, ok := prev[id]; ok && c.Provenance == ProvenanceManual {
			result.Coordinates[id] = c
			st.commit(id, c.Point())
			continue
		}
		candidates = append(candidates, id)
	}

	st.orderCandidates(candidates)

	// Sweep the candidate list until a full sweep places nothing new. The
	// placed set only grows, so this terminates in at most len(candidates)
	// sweeps.
	for {
		progressed := false
		for _, id := range candidates {
			if st.placed[id] {
				continue
			}
			if st.tryPlace(id) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	for _, id := range candidates {
		if st.placed[id] {
			result.Coordinates[id] = Coordinate{
				X:          st.coords[id].X,
				Y:          st.coords[id].Y,
				Provenance: ProvenanceCalculated,
			}
			continue
		}
		// Fall back to the prior coordinate as a hint rather than losing
		// the node from the canvas.
		if c, ok := st.prev[id]; ok {
			result.Coordinates[id] = c
			continue
		}
		result.Unplaced = append(result.Unplaced, id)
	}
	for id, err := range st.errs {
		result.Errors[id] = err
	}
	return result
}

// orderCandidates sorts candidates in place per the ordering policy.
// Occurrence keeps first-seen order (NodeOrder already provides it). Score
// sorts by descending neighbor score, breaking ties by the node's closest
// estimated reference distance and finally by ID.
func (st *estimation) orderCandidates(candidates []NodeID) {
	if st.cfg.Ordering != OrderScore {
		return
	}
	scores := make(map[NodeID]float64, len(candidates))
	nearest := make(map[NodeID]float64, len(candidates))
	for _, id := range candidates {
		scores[id] = st.neighborScore(id)
		nearest[id] = st.nearestRange(id)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		if nearest[a] != nearest[b] {
			return nearest[a] < nearest[b]
		}
		return a < b
	})
}

// neighborScore weighs each outgoing edge's SNR by the observed radio's
// convergence state: settled states count more than transient ones, so a
// node surrounded by stable neighbors sorts toward the center.
func (st *estimation) neighborScore(id NodeID) float64 {
	floor := st.cfg.DefaultNoiseFloorDBm
	if avg, ok := st.snap.AvgNoiseFloorDBm(); ok {
		floor = avg
	}
	var score float64
	for _, edge := range st.snap.Edges {
		if edge.Observer.Node != id {
			continue
		}
		observed, ok := st.snap.Radio(edge.Observed)
		if !ok {
			continue
		}
		snr := edge.RSSIdBm - floor
		score += snr / stateWeight(observed.ChannelState)
	}
	return score
}

func stateWeight(s ACSPState) float64 {
	switch s {
	case ACSPRun, ACSPDisable:
		return 2
	case ACSPScanning, ACSPListening:
		return 4
	case ACSPInit, ACSPSchedWait:
		return 6
	default:
		return 8
	}
}

func (st *estimation) nearestRange(id NodeID) float64 {
	best := math.Inf(1)
	for other := range st.snap.Nodes {
		if other == id {
			continue
		}
		if r := st.rangeBetween(id, other); r.valid && r.meters < best {
			best = r.meters
		}
	}
	return best
}

// rangeBetween estimates the distance between two nodes from the smoothed
// edges joining any of their radios, in either direction. Preferred-band
// edges win; the other band is used only when the preferred band heard
// nothing. Valid inversions are averaged. The result is memoized per pass.
func (st *estimation) rangeBetween(a, b NodeID) pairRange {
	if b < a {
		a, b = b, a
	}
	key := [2]NodeID{a, b}
	if r, ok := st.ranges[key]; ok {
		return r
	}

	var preferred, fallback []float64
	var lastErr error
	for _, edge := range st.snap.Edges {
		if !(edge.Observer.Node == a && edge.Observed.Node == b) &&
			!(edge.Observer.Node == b && edge.Observed.Node == a) {
			continue
		}
		observed, ok := st.snap.Radio(edge.Observed)
		if !ok {
			continue
		}
		loss := edge.TxPowerDBm - edge.RSSIdBm
		d, err := InvertPathLoss(loss, observed.FreqGHz)
		if err != nil {
			lastErr = fmt.Errorf("edge %s -> %s: %w", edge.Observer, edge.Observed, err)
			continue
		}
		if BandOf(observed.FreqGHz) == st.cfg.PreferredBandGHz {
			preferred = append(preferred, d)
		} else {
			fallback = append(fallback, d)
		}
	}

	vals := preferred
	if len(vals) == 0 {
		vals = fallback
	}
	var r pairRange
	if len(vals) > 0 {
		var sum float64
		for _, v := range vals {
			sum += v
		}
		r = pairRange{meters: sum / float64(len(vals)), valid: true}
	} else {
		r = pairRange{err: lastErr}
	}
	st.ranges[key] = r
	return r
}

// reference is an already-placed node with an estimated range to the node
// being placed.
type reference struct {
	id     NodeID
	at     Point
	meters float64
}

// tryPlace attempts to position one node against the currently placed set
// and reports whether it succeeded. Until three nodes are placed the
// deterministic seeding rules apply; afterwards full three-reference
// trilateration is required.
func (st *estimation) tryPlace(id NodeID) bool {
	refs, badFreq := st.referencesFor(id)
	if badFreq != nil {
		st.errs[id] = badFreq
	} else {
		delete(st.errs, id)
	}

	switch len(st.placed) {
	case 0:
		// Canvas origin anchors the whole figure.
		return st.commit(id, Point{})
	case 1:
		if len(refs) < 1 {
			return false
		}
		a := refs[0]
		return st.commit(id, Point{X: a.at.X + a.meters, Y: a.at.Y})
	case 2:
		// Seed the third node against the first two in the order they were
		// placed, so the circle pair (and with it the canonical pick) does
		// not depend on which reference happens to be nearer.
		ra := st.rangeBetween(id, st.order[0])
		rb := st.rangeBetween(id, st.order[1])
		if !ra.valid || !rb.valid {
			return false
		}
		if ra.meters <= MinDistanceM {
			return st.commit(id, st.coords[st.order[0]])
		}
		pts := CircleIntersections(st.coords[st.order[0]], ra.meters, st.coords[st.order[1]], rb.meters)
		if len(pts) == 0 {
			return false
		}
		// No fourth reference exists yet: take the canonical first
		// intersection so seeding stays deterministic.
		return st.commit(id, pts[0])
	default:
		if len(refs) < 3 {
			return false
		}
		a, b, c := refs[0], refs[1], refs[2]
		if a.meters <= MinDistanceM {
			return st.commit(id, a.at)
		}
		pts := CircleIntersections(a.at, a.meters, b.at, b.meters)
		if len(pts) == 0 {
			return false
		}
		if len(pts) == 1 {
			return st.commit(id, pts[0])
		}
		d1 := math.Abs(pts[0].DistanceTo(c.at) - c.meters)
		d2 := math.Abs(pts[1].DistanceTo(c.at) - c.meters)
		if d2 < d1 {
			return st.commit(id, pts[1])
		}
		return st.commit(id, pts[0])
	}
}

// referencesFor returns the placed nodes this node has valid ranges to,
// nearest first with ID tie break, plus any bad-frequency error seen while
// ranging.
func (st *estimation) referencesFor(id NodeID) ([]reference, error) {
	var refs []reference
	var badFreq error
	for other, ok := range st.placed {
		if !ok {
			continue
		}
		r := st.rangeBetween(id, other)
		if !r.valid {
			if r.err != nil {
				badFreq = r.err
			}
			continue
		}
		refs = append(refs, reference{id: other, at: st.coords[other], meters: r.meters})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].meters != refs[j].meters {
			return refs[i].meters < refs[j].meters
		}
		return refs[i].id < refs[j].id
	})
	return refs, badFreq
}

func (st *estimation) commit(id NodeID, p Point) bool {
	st.coords[id] = p
	st.placed[id] = true
	st.order = append(st.order, id)
	return true
}
