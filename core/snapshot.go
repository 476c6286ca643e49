package core

import (
	"sort"
	"time"
)

// Snapshot is an immutable point-in-time copy of the measurement graph.
// Nothing in it aliases store internals, so estimator passes and API reads
// work on it without further locking.
type Snapshot struct {
	TakenAt time.Time
	Nodes   map[NodeID]NodeView
	Edges   []EdgeView
}

// NodeView is the snapshot projection of one access point.
type NodeView struct {
	ID        NodeID
	Name      string
	Liveness  Liveness
	FirstSeen int64
	Radios    []RadioView
}

// RadioView is the snapshot projection of one radio interface.
type RadioView struct {
	ID            RadioID
	Channel       int
	FreqGHz       float64
	TxPowerDBm    float64
	Mode          string
	ChannelState  ACSPState
	PowerState    ACSPState
	NoiseFloorDBm float64
	HasNoiseFloor bool
}

// EdgeView is one directed, pre-smoothed neighbor observation: Observer
// heard Observed at the window-mean RSSI. TxPowerDBm is the transmit power
// the latest fresh sample reported for the observed radio.
type EdgeView struct {
	Observer   RadioID
	Observed   RadioID
	RSSIdBm    float64
	TxPowerDBm float64
	Samples    int
	LastSample time.Time
}

// NodeOrder returns node IDs sorted by first-seen order with the node ID as
// tie breaker, which makes every per-snapshot iteration deterministic.
func (s *Snapshot) NodeOrder() []NodeID {
	out := make([]NodeID, 0, len(s.Nodes))
	for id := range s.Nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.Nodes[out[i]], s.Nodes[out[j]]
		if a.FirstSeen != b.FirstSeen {
			return a.FirstSeen < b.FirstSeen
		}
		return out[i] < out[j]
	})
	return out
}

// Radio resolves a RadioID against the snapshot.
func (s *Snapshot) Radio(id RadioID) (RadioView, bool) {
	n, ok := s.Nodes[id.Node]
	if !ok {
		return RadioView{}, false
	}
	for _, r := range n.Radios {
		if r.ID.Index == id.Index {
			return r, true
		}
	}
	return RadioView{}, false
}

// AvgNoiseFloorDBm averages the noise floor across every radio that has a
// fresh reading. The second return is false when no radio does.
func (s *Snapshot) AvgNoiseFloorDBm() (float64, bool) {
	var sum float64
	var n int
	for _, node := range s.Nodes {
		for _, r := range node.Radios {
			if r.HasNoiseFloor {
				sum += r.NoiseFloorDBm
				n++
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
