// Package sim provides an in-process fleet of fake APs with ground-truth
// positions. It implements the collector's prober and discoverer contracts,
// synthesizing RSSI from the free-space model so end-to-end runs can check
// recovered coordinates against the truth.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/cachalot1984/ah-apmon/core"
	"github.com/cachalot1984/ah-apmon/internal/collector"
)

// internal JSON shapes, unexported so the file format can evolve freely.
type fleetJSON struct {
	RangeM   *float64 `json:"range_m"`   // hearing range; default 200
	JitterDB *float64 `json:"jitter_db"` // per-sample RSSI noise amplitude
	Seed     *int64   `json:"seed"`
	APs      []apJSON `json:"aps"`
}

type apJSON struct {
	Address string      `json:"address"`
	Name    string      `json:"name"`
	X       float64     `json:"x"`
	Y       float64     `json:"y"`
	Radios  []radioJSON `json:"radios"` // optional; defaults to one 2.4 GHz radio
}

type radioJSON struct {
	Channel    int      `json:"channel"`
	TxPowerDBm *float64 `json:"tx_power_dbm"` // default 20
	Mode       string   `json:"mode"`
}

type simRadio struct {
	index      int
	channel    int
	txPowerDBm float64
	mode       string
}

type simAP struct {
	id     core.NodeID
	name   string
	at     core.Point
	radios []simRadio
}

// Fleet is the collection of simulated APs.
type Fleet struct {
	mu     sync.Mutex
	aps    map[core.NodeID]*simAP
	order  []core.NodeID
	down   map[core.NodeID]bool
	rangeM float64
	jitter float64
	rng    *rand.Rand
}

// LoadFleet reads a fleet definition from r.
func LoadFleet(r io.Reader) (*Fleet, error) {
	var payload fleetJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode fleet: %w", err)
	}
	if len(payload.APs) == 0 {
		return nil, fmt.Errorf("fleet defines no APs")
	}

	f := &Fleet{
		aps:    make(map[core.NodeID]*simAP, len(payload.APs)),
		down:   make(map[core.NodeID]bool),
		rangeM: 200,
		rng:    rand.New(rand.NewSource(1)),
	}
	if payload.RangeM != nil && *payload.RangeM > 0 {
		f.rangeM = *payload.RangeM
	}
	if payload.JitterDB != nil && *payload.JitterDB >= 0 {
		f.jitter = *payload.JitterDB
	}
	if payload.Seed != nil {
		f.rng = rand.New(rand.NewSource(*payload.Seed))
	}

	for _, ap := range payload.APs {
		if ap.Address == "" {
			return nil, fmt.Errorf("AP with empty address")
		}
		id := core.NodeID(ap.Address)
		if _, exists := f.aps[id]; exists {
			return nil, fmt.Errorf("duplicate AP address %q", ap.Address)
		}
		radios := ap.Radios
		if len(radios) == 0 {
			radios = []radioJSON{{Channel: 6}}
		}
		node := &simAP{
			id:   id,
			name: ap.Name,
			at:   core.Point{X: ap.X, Y: ap.Y},
		}
		for i, rj := range radios {
			power := 20.0
			if rj.TxPowerDBm != nil {
				power = *rj.TxPowerDBm
			}
			node.radios = append(node.radios, simRadio{
				index:      i,
				channel:    rj.Channel,
				txPowerDBm: power,
				mode:       rj.Mode,
			})
		}
		f.aps[id] = node
		f.order = append(f.order, id)
	}
	return f, nil
}

// LoadFleetFile reads a fleet definition from a JSON file.
func LoadFleetFile(path string) (*Fleet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadFleet(file)
}

// Truth returns an AP's ground-truth position.
func (f *Fleet) Truth(id core.NodeID) (core.Point, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ap, ok := f.aps[id]
	if !ok {
		return core.Point{}, false
	}
	return ap.at, true
}

// SetDown simulates an AP losing or regaining reachability.
func (f *Fleet) SetDown(id core.NodeID, down bool) {
	f.mu.Lock()
	f.down[id] = down
	f.mu.Unlock()
}

// Discover lists every AP address in definition order.
func (f *Fleet) Discover(context.Context) ([]core.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.NodeID(nil), f.order...), nil
}

// Probe synthesizes a telemetry report for one AP: its radio table plus one
// neighbor observation per reachable peer radio, with RSSI derived from the
// free-space model at the ground-truth distance.
func (f *Fleet) Probe(_ context.Context, id core.NodeID) (*collector.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ap, ok := f.aps[id]
	if !ok {
		return nil, fmt.Errorf("no route to host %s", id)
	}
	if f.down[id] {
		return nil, fmt.Errorf("connection timed out: %s", id)
	}

	report := &collector.Report{Name: ap.name}
	for _, radio := range ap.radios {
		floor := -95 + f.noise()
		report.Radios = append(report.Radios, collector.RadioReport{
			Index:         radio.index,
			Channel:       radio.channel,
			TxPowerDBm:    radio.txPowerDBm,
			Mode:          radio.mode,
			ChannelState:  core.ACSPRun,
			PowerState:    core.ACSPRun,
			NoiseFloorDBm: &floor,
		})
	}

	for _, peerID := range f.order {
		if peerID == id || f.down[peerID] {
			continue
		}
		peer := f.aps[peerID]
		dist := ap.at.DistanceTo(peer.at)
		if dist > f.rangeM {
			continue
		}
		for _, mine := range ap.radios {
			for _, theirs := range peer.radios {
				freq := core.ChannelGHz(theirs.channel)
				rssi := theirs.txPowerDBm - core.FreeSpacePathLoss(freq, dist) + f.noise()
				report.Neighbors = append(report.Neighbors, collector.NeighborReport{
					ObserverIndex: mine.index,
					Observed:      core.RadioID{Node: peerID, Index: theirs.index},
					RSSIdBm:       rssi,
					TxPowerDBm:    theirs.txPowerDBm,
				})
			}
		}
	}
	return report, nil
}

func (f *Fleet) noise() float64 {
	if f.jitter <= 0 {
		return 0
	}
	return (f.rng.Float64()*2 - 1) * f.jitter
}
