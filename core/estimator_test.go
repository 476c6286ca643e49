package core

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// placementBench builds synthetic snapshots whose edges encode exact
// ground-truth distances, so inversion recovers them to float precision.
type placementBench struct {
	snap *Snapshot
	seq  int64
}

func newPlacementBench() *placementBench {
	return &placementBench{snap: &Snapshot{
		TakenAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Nodes:   make(map[NodeID]NodeView),
	}}
}

func (b *placementBench) addNode(id NodeID, channel int) {
	b.seq++
	b.snap.Nodes[id] = NodeView{
		ID:        id,
		Liveness:  LivenessOnline,
		FirstSeen: b.seq,
		Radios: []RadioView{{
			ID:           RadioID{Node: id, Index: 0},
			Channel:      channel,
			FreqGHz:      ChannelGHz(channel),
			TxPowerDBm:   20,
			ChannelState: ACSPRun,
		}},
	}
}

func (b *placementBench) setLiveness(id NodeID, l Liveness) {
	nv := b.snap.Nodes[id]
	nv.Liveness = l
	b.snap.Nodes[id] = nv
}

// directedEdge records one observation whose RSSI encodes the given
// distance under the free-space model.
func (b *placementBench) directedEdge(observer, observed NodeID, distanceM float64) {
	obs := b.snap.Nodes[observed].Radios[0]
	rssi := obs.TxPowerDBm - FreeSpacePathLoss(obs.FreqGHz, distanceM)
	b.snap.Edges = append(b.snap.Edges, EdgeView{
		Observer:   RadioID{Node: observer, Index: 0},
		Observed:   RadioID{Node: observed, Index: 0},
		RSSIdBm:    rssi,
		TxPowerDBm: obs.TxPowerDBm,
		Samples:    1,
		LastSample: b.snap.TakenAt,
	})
}

// link adds edges in both directions for a symmetric ground-truth distance.
func (b *placementBench) link(a, c NodeID, distanceM float64) {
	b.directedEdge(a, c, distanceM)
	b.directedEdge(c, a, distanceM)
}

func coordAt(t *testing.T, p Placement, id NodeID, x, y float64) {
	t.Helper()
	c, ok := p.Coordinates[id]
	if !ok {
		t.Fatalf("node %s has no coordinate", id)
	}
	if !almostEqual(c.X, x, 1e-6) || !almostEqual(c.Y, y, 1e-6) {
		t.Fatalf("node %s at (%v, %v), want (%v, %v)", id, c.X, c.Y, x, y)
	}
}

func TestSeedingChoosesCanonicalIntersection(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)

	est := NewEstimator(EstimatorConfig{})
	p := est.Estimate(b.snap, nil)

	coordAt(t, p, "A", 0, 0)
	coordAt(t, p, "B", 50, 0)
	// The two circle intersections are (32, 24) and (32, -24); seeding must
	// always take the canonical first one.
	coordAt(t, p, "C", 32, 24)
	for id, c := range p.Coordinates {
		if c.Provenance != ProvenanceCalculated {
			t.Errorf("node %s provenance = %q, want calculated", id, c.Provenance)
		}
	}
	if len(p.Unplaced) != 0 || len(p.Errors) != 0 {
		t.Errorf("unexpected unplaced=%v errors=%v", p.Unplaced, p.Errors)
	}
}

func TestFourthNodeUsesThirdReferenceToDisambiguate(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.addNode("D", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)

	// Ground truth for D is (10, -20): the A-B circles intersect at
	// (10, 20) and (10, -20), and only the distance to C separates them.
	truth := Point{X: 10, Y: -20}
	cAt := Point{X: 32, Y: 24}
	b.link("A", "D", truth.DistanceTo(Point{}))
	b.link("B", "D", truth.DistanceTo(Point{X: 50}))
	b.link("C", "D", truth.DistanceTo(cAt))

	p := NewEstimator(EstimatorConfig{}).Estimate(b.snap, nil)
	coordAt(t, p, "D", truth.X, truth.Y)
}

func TestEstimateIsIdempotent(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.addNode("D", 36)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)
	b.link("A", "D", 25)
	b.link("B", "D", 35)
	b.link("C", "D", 20)

	est := NewEstimator(EstimatorConfig{})
	first := est.Estimate(b.snap, nil)
	second := est.Estimate(b.snap, nil)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("same snapshot produced different placements (-first +second):\n%s", diff)
	}

	// Feeding the result back as the previous placement must not move
	// anything either.
	third := est.Estimate(b.snap, first.Coordinates)
	if diff := cmp.Diff(first, third); diff != "" {
		t.Errorf("placement drifted when fed back (-first +third):\n%s", diff)
	}
}

func TestNodeWithTooFewReferencesIsDeferred(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.addNode("E", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)
	// E is heard only by A: with three nodes already placed, a single
	// reference can never pin it down.
	b.link("A", "E", 30)

	p := NewEstimator(EstimatorConfig{}).Estimate(b.snap, nil)
	if _, ok := p.Coordinates["E"]; ok {
		t.Error("E was placed despite having one reference")
	}
	if diff := cmp.Diff([]NodeID{"E"}, p.Unplaced); diff != "" {
		t.Errorf("unplaced mismatch (-want +got):\n%s", diff)
	}
	if len(p.Errors) != 0 {
		t.Errorf("deferral must not be an error, got %v", p.Errors)
	}
}

func TestManualCoordinateIsNeverOverwritten(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)

	prev := map[NodeID]Coordinate{
		"B": {X: 100, Y: 100, Provenance: ProvenanceManual},
	}
	est := NewEstimator(EstimatorConfig{})
	p := est.Estimate(b.snap, prev)

	got := p.Coordinates["B"]
	if got.X != 100 || got.Y != 100 || got.Provenance != ProvenanceManual {
		t.Fatalf("manual coordinate was touched: %+v", got)
	}
	// A second pass over the same inputs leaves it pinned too.
	p2 := est.Estimate(b.snap, p.Coordinates)
	if got := p2.Coordinates["B"]; got != p.Coordinates["B"] {
		t.Errorf("manual coordinate drifted on repeat pass: %+v", got)
	}
}

func TestOfflineNodeKeepsCoordinateAndIsExcluded(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.addNode("X", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)
	b.link("A", "X", 30)
	b.link("B", "X", 30)
	b.link("C", "X", 30)
	b.setLiveness("X", LivenessOffline)

	prev := map[NodeID]Coordinate{
		"X": {X: 7, Y: 8, Provenance: ProvenanceCalculated},
	}
	p := NewEstimator(EstimatorConfig{}).Estimate(b.snap, prev)

	if got := p.Coordinates["X"]; got != prev["X"] {
		t.Errorf("offline coordinate changed: %+v", got)
	}
	// Back online, the node is recomputed from its edges again.
	b.setLiveness("X", LivenessOnline)
	p2 := NewEstimator(EstimatorConfig{}).Estimate(b.snap, p.Coordinates)
	got := p2.Coordinates["X"]
	if got.Provenance != ProvenanceCalculated {
		t.Fatalf("revived node provenance = %q, want calculated", got.Provenance)
	}
	if got.X == 7 && got.Y == 8 {
		t.Error("revived node was not re-estimated from its edges")
	}
}

func TestBadFrequencyFailsOnlyThatNode(t *testing.T) {
	b := newPlacementBench()
	b.addNode("A", 6)
	b.addNode("B", 6)
	b.addNode("C", 6)
	b.addNode("Z", 6)
	b.link("A", "B", 50)
	b.link("A", "C", 40)
	b.link("B", "C", 30)

	// One-way edges: only A, B and C hear Z, so every range to Z inverts
	// against Z's own radio. Reverse edges would use the observers' valid
	// frequencies and place Z anyway.
	b.directedEdge("A", "Z", 30)
	b.directedEdge("B", "Z", 30)
	b.directedEdge("C", "Z", 30)

	// Z's radio reports a frequency the model cannot invert.
	nv := b.snap.Nodes["Z"]
	nv.Radios[0].FreqGHz = -1
	b.snap.Nodes["Z"] = nv

	p := NewEstimator(EstimatorConfig{}).Estimate(b.snap, nil)

	if len(p.Coordinates) != 3 {
		t.Errorf("expected A, B, C placed, got %d coordinates", len(p.Coordinates))
	}
	if len(p.Unplaced) != 1 || p.Unplaced[0] != "Z" {
		t.Errorf("unplaced = %v, want [Z]", p.Unplaced)
	}
	err, ok := p.Errors["Z"]
	if !ok {
		t.Fatal("expected a per-node error for Z")
	}
	if !errors.Is(err, ErrBadFrequency) {
		t.Errorf("error = %v, want ErrBadFrequency", err)
	}
}

func TestScoreOrderingSeedsRichestNodeFirst(t *testing.T) {
	b := newPlacementBench()
	// Occurrence order would seed "edge1" first; score ordering must put
	// the hub at the origin because its neighbor table is richest.
	b.addNode("edge1", 6)
	b.addNode("hub", 6)
	b.addNode("edge2", 6)
	b.addNode("edge3", 6)
	b.link("hub", "edge1", 30)
	b.link("hub", "edge2", 30)
	b.link("hub", "edge3", 30)
	b.link("edge1", "edge2", 45)
	b.link("edge2", "edge3", 45)

	p := NewEstimator(EstimatorConfig{Ordering: OrderScore}).Estimate(b.snap, nil)
	coordAt(t, p, "hub", 0, 0)
}
