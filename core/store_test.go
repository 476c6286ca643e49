package core

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int               { return &v }
func floatPtr(v float64) *float64     { return &v }
func statePtr(v ACSPState) *ACSPState { return &v }
func strPtr(v string) *string         { return &v }

func testStore() (*MeasurementStore, *time.Time) {
	s := NewMeasurementStore(StoreConfig{SmoothingWindow: 3, Staleness: 15 * time.Second})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func addRadio(s *MeasurementStore, node NodeID, index, channel int, txPower float64) {
	s.RegisterNode(node)
	s.UpdateRadio(node, index, RadioUpdate{
		Channel:    intPtr(channel),
		TxPowerDBm: floatPtr(txPower),
	})
}

func TestRegisterNodeIsIdempotent(t *testing.T) {
	s, _ := testStore()
	s.RegisterNode("10.0.0.1")
	s.RegisterNode("10.0.0.2")
	s.RegisterNode("10.0.0.1")

	ids := s.NodeIDs()
	want := []NodeID{"10.0.0.1", "10.0.0.2"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("node order mismatch (-want +got):\n%s", diff)
	}
	if l := s.Liveness("10.0.0.1"); l != LivenessUnknown {
		t.Errorf("fresh node liveness = %v, want unknown", l)
	}
}

func TestUpdateRadioOnUnknownNodeIsNoop(t *testing.T) {
	s, _ := testStore()
	s.UpdateRadio("10.0.0.9", 0, RadioUpdate{Channel: intPtr(6)})
	if snap := s.Snapshot(); len(snap.Nodes) != 0 {
		t.Errorf("expected empty store, got %d nodes", len(snap.Nodes))
	}
}

func TestUpdateRadioMergesPartialReports(t *testing.T) {
	s, _ := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)
	s.UpdateRadio("10.0.0.1", 0, RadioUpdate{
		ChannelState: statePtr(ACSPRun),
		Mode:         strPtr("11n-ht20"),
	})

	rv, ok := s.Snapshot().Radio(RadioID{Node: "10.0.0.1", Index: 0})
	if !ok {
		t.Fatal("radio missing from snapshot")
	}
	if rv.Channel != 6 || rv.TxPowerDBm != 20 {
		t.Errorf("earlier fields lost: channel=%d txPower=%v", rv.Channel, rv.TxPowerDBm)
	}
	if rv.ChannelState != ACSPRun || rv.Mode != "11n-ht20" {
		t.Errorf("later fields missing: state=%q mode=%q", rv.ChannelState, rv.Mode)
	}
	if !almostEqual(rv.FreqGHz, 2.437, 1e-9) {
		t.Errorf("derived frequency = %v, want 2.437", rv.FreqGHz)
	}
}

func TestNeighborSampleRequiresBothRadios(t *testing.T) {
	s, now := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)

	observer := RadioID{Node: "10.0.0.1", Index: 0}
	ghost := RadioID{Node: "10.0.0.2", Index: 0}
	s.UpdateNeighborSample(observer, ghost, -60, 20, *now)
	s.UpdateNeighborSample(ghost, observer, -60, 20, *now)

	if snap := s.Snapshot(); len(snap.Edges) != 0 {
		t.Errorf("expected no edges, got %d", len(snap.Edges))
	}
}

func TestNeighborSampleSmoothing(t *testing.T) {
	s, now := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)
	addRadio(s, "10.0.0.2", 0, 6, 20)

	a := RadioID{Node: "10.0.0.1", Index: 0}
	b := RadioID{Node: "10.0.0.2", Index: 0}
	for i, rssi := range []float64{-58, -62, -63} {
		s.UpdateNeighborSample(a, b, rssi, 18+float64(i), now.Add(time.Duration(i)*time.Second))
	}

	snap := s.Snapshot()
	if len(snap.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(snap.Edges))
	}
	edge := snap.Edges[0]
	if !almostEqual(edge.RSSIdBm, -61, 1e-12) {
		t.Errorf("smoothed RSSI = %v, want -61", edge.RSSIdBm)
	}
	if edge.TxPowerDBm != 20 {
		t.Errorf("edge tx power = %v, want the latest sample's 20", edge.TxPowerDBm)
	}
	if edge.Samples != 3 {
		t.Errorf("edge samples = %d, want 3", edge.Samples)
	}
}

func TestStaleEdgesExpireSilently(t *testing.T) {
	s, now := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)
	addRadio(s, "10.0.0.2", 0, 6, 20)

	a := RadioID{Node: "10.0.0.1", Index: 0}
	b := RadioID{Node: "10.0.0.2", Index: 0}
	s.UpdateNeighborSample(a, b, -60, 20, *now)

	*now = now.Add(time.Minute)
	if snap := s.Snapshot(); len(snap.Edges) != 0 {
		t.Errorf("expected stale edge to be absent, got %d edges", len(snap.Edges))
	}
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	s, now := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)
	addRadio(s, "10.0.0.2", 0, 6, 20)
	addRadio(s, "10.0.0.3", 0, 6, 20)

	a := RadioID{Node: "10.0.0.1", Index: 0}
	b := RadioID{Node: "10.0.0.2", Index: 0}
	c := RadioID{Node: "10.0.0.3", Index: 0}
	s.UpdateNeighborSample(a, b, -60, 20, *now)
	s.UpdateNeighborSample(b, a, -61, 20, *now)
	s.UpdateNeighborSample(b, c, -70, 20, *now)
	s.UpdateNeighborSample(c, b, -71, 20, *now)

	s.RemoveNode("10.0.0.2")

	snap := s.Snapshot()
	if _, ok := snap.Nodes["10.0.0.2"]; ok {
		t.Error("removed node still present")
	}
	for _, e := range snap.Edges {
		if e.Observer.Node == "10.0.0.2" || e.Observed.Node == "10.0.0.2" {
			t.Errorf("dangling edge survived removal: %v -> %v", e.Observer, e.Observed)
		}
	}
}

func TestLivenessTransitions(t *testing.T) {
	s, _ := testStore()
	s.RegisterNode("10.0.0.1")
	s.MarkOnline("10.0.0.1")
	if l := s.Liveness("10.0.0.1"); l != LivenessOnline {
		t.Fatalf("liveness = %v, want online", l)
	}
	s.MarkOffline("10.0.0.1")
	if l := s.Liveness("10.0.0.1"); l != LivenessOffline {
		t.Fatalf("liveness = %v, want offline", l)
	}
	// Offline nodes stay in the store for the grace period.
	if _, ok := s.Snapshot().Nodes["10.0.0.1"]; !ok {
		t.Error("offline node vanished from snapshot")
	}
}

func TestSnapshotIsDetachedFromLaterMutations(t *testing.T) {
	s, now := testStore()
	addRadio(s, "10.0.0.1", 0, 6, 20)
	addRadio(s, "10.0.0.2", 0, 6, 20)
	a := RadioID{Node: "10.0.0.1", Index: 0}
	b := RadioID{Node: "10.0.0.2", Index: 0}
	s.UpdateNeighborSample(a, b, -60, 20, *now)

	snap := s.Snapshot()
	s.UpdateNeighborSample(a, b, -90, 20, *now)
	s.RemoveNode("10.0.0.2")

	if len(snap.Edges) != 1 || !almostEqual(snap.Edges[0].RSSIdBm, -60, 1e-12) {
		t.Errorf("snapshot changed after later mutations: %+v", snap.Edges)
	}
	if _, ok := snap.Nodes["10.0.0.2"]; !ok {
		t.Error("snapshot lost a node that was removed afterwards")
	}
}

func TestOnChangeFiresAfterMutations(t *testing.T) {
	s, now := testStore()
	var mu sync.Mutex
	count := 0
	s.OnChange(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	addRadio(s, "10.0.0.1", 0, 6, 20)
	addRadio(s, "10.0.0.2", 0, 6, 20)
	s.UpdateNeighborSample(RadioID{Node: "10.0.0.1"}, RadioID{Node: "10.0.0.2"}, -60, 20, *now)
	s.MarkOnline("10.0.0.1")
	s.MarkOnline("10.0.0.1") // no state change, no notification

	mu.Lock()
	got := count
	mu.Unlock()
	// register+update for each node, one sample, one liveness change
	if got != 6 {
		t.Errorf("change notifications = %d, want 6", got)
	}
}

func TestConcurrentMutationAndSnapshot(t *testing.T) {
	s := NewMeasurementStore(StoreConfig{})
	nodes := []NodeID{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	for _, id := range nodes {
		addRadio(s, id, 0, 6, 20)
	}

	var wg sync.WaitGroup
	for _, id := range nodes {
		wg.Add(1)
		go func(id NodeID) {
			defer wg.Done()
			self := RadioID{Node: id, Index: 0}
			for i := 0; i < 200; i++ {
				for _, other := range nodes {
					if other == id {
						continue
					}
					s.UpdateNeighborSample(self, RadioID{Node: other, Index: 0}, -60, 20, time.Now())
				}
				s.UpdateRadio(id, 0, RadioUpdate{NoiseFloorDBm: floatPtr(-93)})
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := s.Snapshot()
			for _, e := range snap.Edges {
				if _, ok := snap.Nodes[e.Observer.Node]; !ok {
					t.Errorf("edge observer %v missing from its own snapshot", e.Observer)
				}
				if _, ok := snap.Nodes[e.Observed.Node]; !ok {
					t.Errorf("edge observed %v missing from its own snapshot", e.Observed)
				}
			}
		}
	}()
	wg.Wait()
}
