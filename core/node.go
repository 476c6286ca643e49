package core

import (
	"fmt"
	"time"
)

// NodeID identifies a monitored AP by its network address. Addresses are
// assumed stable for the lifetime of the monitor (DHCP leases that do not
// move), so the ID doubles as the node's identity across offline/online
// transitions.
type NodeID string

// RadioID identifies one radio on one AP. The node back-reference is the ID
// itself, never a pointer, so snapshots can copy index tables instead of an
// object graph.
type RadioID struct {
	Node  NodeID
	Index int
}

func (r RadioID) String() string {
	return fmt.Sprintf("%s/wifi%d", r.Node, r.Index)
}

// Liveness describes whether an AP is currently reachable.
type Liveness int

const (
	// LivenessUnknown is the state of a freshly discovered node that has
	// not yet produced a successful telemetry report.
	LivenessUnknown Liveness = iota
	LivenessOnline
	LivenessOffline
)

func (l Liveness) String() string {
	switch l {
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ACSPState is a radio's position in the cooperative channel/power selection
// state machine, as reported by the AP. The monitor treats these as opaque
// labels except for the neighbor-score weighting in ordering.
type ACSPState string

const (
	ACSPDisable    ACSPState = "Disable"
	ACSPInit       ACSPState = "Init"
	ACSPScanning   ACSPState = "Scanning"
	ACSPChannelReq ACSPState = "Channel_Req"
	ACSPDFSCAC     ACSPState = "DFS_CAC"
	ACSPListening  ACSPState = "Listening"
	ACSPRun        ACSPState = "Enable"
	ACSPSchedWait  ACSPState = "Sched_Waiting"
)

// RadioUpdate carries the already-parsed per-radio fields a collector pushes
// into the store on each refresh cycle. Pointer fields are optional so
// partial reports leave the previous value in place.
type RadioUpdate struct {
	Channel       *int
	TxPowerDBm    *float64
	Mode          *string
	ChannelState  *ACSPState
	PowerState    *ACSPState
	NoiseFloorDBm *float64 // fed into the radio's smoothing window
}

// Provenance records which mechanism produced a coordinate.
type Provenance string

const (
	ProvenanceCalculated Provenance = "calculated"
	ProvenanceManual     Provenance = "manual"
	ProvenanceRandom     Provenance = "random"
)

// Coordinate is a 2-D position assigned to a node, in metres relative to the
// seed origin. A node either has a Coordinate or is unplaced; there is no
// zero-value sentinel.
type Coordinate struct {
	X, Y       float64
	Provenance Provenance
}

// Point returns the coordinate as a bare geometric point.
func (c Coordinate) Point() Point { return Point{X: c.X, Y: c.Y} }

// Sample is one raw RSSI reading together with the transmit power that was
// in effect when it was measured. The pairing matters: path-loss inversion
// needs the power the signal was actually sent at, not the current value.
type Sample struct {
	RSSIdBm    float64
	TxPowerDBm float64
	Timestamp  time.Time
}
