package core

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadFrequency reports a frequency for which the path-loss model has no
// real solution. It is the only estimator-level failure that is surfaced per
// node rather than silently deferred.
var ErrBadFrequency = errors.New("invalid radio frequency")

// fsplConstant is the constant term of the free-space path-loss formula for
// frequency in GHz and distance in metres:
//
//	FSPL(dB) = 32.44 + 20·log10(F_GHz) + 20·log10(d_m)
const fsplConstant = 32.44

// MinDistanceM is the clamp floor for inverted distances. A signal stronger
// than the free-space model allows (negative or zero computed distance)
// collapses to this epsilon instead of being rejected.
const MinDistanceM = 0.01

// FreeSpacePathLoss returns the ideal free-space attenuation in dB for a
// transmission at freqGHz over distanceM metres. Inputs are clamped to the
// model's domain so the forward direction never fails; it is used by the
// simulated fleet and by tests that round-trip the inversion.
func FreeSpacePathLoss(freqGHz, distanceM float64) float64 {
	if distanceM < MinDistanceM {
		distanceM = MinDistanceM
	}
	return fsplConstant + 20*math.Log10(freqGHz) + 20*math.Log10(distanceM)
}

// InvertPathLoss solves the free-space formula for distance: given the
// observed loss in dB and the transmit frequency, it returns the estimated
// distance in metres. The result is always positive; values below
// MinDistanceM clamp to it. A non-positive or non-finite frequency has no
// real logarithm and is reported as ErrBadFrequency.
func InvertPathLoss(lossDB, freqGHz float64) (float64, error) {
	if freqGHz <= 0 || math.IsNaN(freqGHz) || math.IsInf(freqGHz, 0) {
		return 0, fmt.Errorf("%w: %v GHz", ErrBadFrequency, freqGHz)
	}
	d := math.Pow(10, (lossDB-fsplConstant-20*math.Log10(freqGHz))/20)
	if math.IsNaN(d) {
		return 0, fmt.Errorf("%w: loss %v dB at %v GHz", ErrBadFrequency, lossDB, freqGHz)
	}
	if d < MinDistanceM {
		d = MinDistanceM
	}
	return d, nil
}

// ChannelGHz maps an IEEE 802.11 channel number to its centre frequency in
// GHz. Channel 0 (undetermined, radio still scanning) maps to a sentinel
// high channel so distance estimates stay finite until the real channel is
// known.
func ChannelGHz(channel int) float64 {
	if channel == 0 {
		channel = 200
	}
	var mhz int
	switch {
	case channel == 14:
		mhz = 2484
	case channel < 14:
		mhz = 2407 + channel*5
	case channel < 27:
		mhz = 2512 + (channel-15)*20
	default:
		mhz = 5000 + channel*5
	}
	return float64(mhz) / 1000.0
}

// BandOf buckets a frequency into its nominal Wi-Fi band (2.4 or 5 GHz),
// used only for the band-preference policy.
func BandOf(freqGHz float64) float64 {
	if freqGHz < 3.0 {
		return 2.4
	}
	return 5
}
