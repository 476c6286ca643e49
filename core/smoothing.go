package core

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// sampleWindow is a fixed-size moving window of measurement samples used to
// smooth jittery RF readings. The effective value is the arithmetic mean of
// the fresh samples; entries older than the staleness threshold are evicted
// and never contribute.
type sampleWindow struct {
	size    int
	samples []Sample
}

func newSampleWindow(size int) *sampleWindow {
	if size < 1 {
		size = 1
	}
	return &sampleWindow{size: size}
}

// Add appends a sample, dropping the oldest entry once the window is full.
func (w *sampleWindow) Add(s Sample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

// evict drops samples older than the staleness threshold relative to now.
func (w *sampleWindow) evict(now time.Time, staleness time.Duration) {
	if staleness <= 0 {
		return
	}
	cutoff := now.Add(-staleness)
	fresh := w.samples[:0]
	for _, s := range w.samples {
		if !s.Timestamp.Before(cutoff) {
			fresh = append(fresh, s)
		}
	}
	w.samples = fresh
}

// Len reports the number of fresh samples after eviction.
func (w *sampleWindow) Len(now time.Time, staleness time.Duration) int {
	w.evict(now, staleness)
	return len(w.samples)
}

// MeanRSSI returns the smoothed RSSI over the fresh samples. The second
// return is false when the window holds no fresh samples, i.e. the edge is
// considered absent.
func (w *sampleWindow) MeanRSSI(now time.Time, staleness time.Duration) (float64, bool) {
	w.evict(now, staleness)
	if len(w.samples) == 0 {
		return 0, false
	}
	vals := make([]float64, len(w.samples))
	for i, s := range w.samples {
		vals[i] = s.RSSIdBm
	}
	return stat.Mean(vals, nil), true
}

// Latest returns the most recent fresh sample, if any. Used to pick the
// transmit power associated with the smoothed reading.
func (w *sampleWindow) Latest(now time.Time, staleness time.Duration) (Sample, bool) {
	w.evict(now, staleness)
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// scalarWindow smooths a plain series of float readings (noise floor). It
// shares the eviction rules of sampleWindow but carries no transmit power.
type scalarWindow struct {
	size   int
	values []float64
	stamps []time.Time
}

func newScalarWindow(size int) *scalarWindow {
	if size < 1 {
		size = 1
	}
	return &scalarWindow{size: size}
}

func (w *scalarWindow) Add(v float64, ts time.Time) {
	w.values = append(w.values, v)
	w.stamps = append(w.stamps, ts)
	if len(w.values) > w.size {
		w.values = w.values[len(w.values)-w.size:]
		w.stamps = w.stamps[len(w.stamps)-w.size:]
	}
}

func (w *scalarWindow) Mean(now time.Time, staleness time.Duration) (float64, bool) {
	if staleness > 0 {
		cutoff := now.Add(-staleness)
		vals := w.values[:0]
		stamps := w.stamps[:0]
		for i, ts := range w.stamps {
			if !ts.Before(cutoff) {
				vals = append(vals, w.values[i])
				stamps = append(stamps, ts)
			}
		}
		w.values, w.stamps = vals, stamps
	}
	if len(w.values) == 0 {
		return 0, false
	}
	return stat.Mean(w.values, nil), true
}
