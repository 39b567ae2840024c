// Package device defines the identity model for audio hardware: immutable
// descriptors keyed by a stable uid, the per-direction cache of the current
// OS default, and the registry of everything currently enumerable.
package device

import (
	"strings"
	"time"
)

// Direction identifies which way audio flows through a device.
type Direction string

const (
	DirectionCapture  Direction = "capture"
	DirectionPlayback Direction = "playback"
)

// Valid returns whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionCapture || d == DirectionPlayback
}

// NativeID is the opaque, backend-specific handle needed to open a stream on
// a device. It is carried in the descriptor so an open does not require a
// second enumeration round trip.
type NativeID string

// Descriptor is an immutable snapshot of one physical audio device. A newer
// snapshot supersedes an older one; descriptors are never mutated in place.
//
// UID is the only valid basis for identity comparisons. OS-assigned indices
// and names are not stable across reconnects, notably for bluetooth devices
// which may re-enumerate under a different index every time the radio link
// is negotiated.
type Descriptor struct {
	UID        string
	Name       string
	Direction  Direction
	SampleRate int
	Channels   int

	// Wireless selects the timing policy used when opening a stream on
	// the device (longer settle delay, larger retry budget).
	Wireless bool

	// BlockSize and LatencyHint are zero for devices whose OS manages
	// buffering, which is the common case for wireless audio.
	BlockSize   int
	LatencyHint time.Duration

	NativeID NativeID
}

// Same reports whether other refers to the same physical device. Only the
// uid participates in the comparison.
func (d Descriptor) Same(other Descriptor) bool {
	return d.UID != "" && d.UID == other.UID
}

var wirelessMarkers = []string{
	"bluetooth",
	"airpod",
	"wireless",
	"hands-free",
	"a2dp",
	"hfp",
}

// GuessWireless classifies a device as wireless from its human-readable
// name. No portable transport flag exists across host audio APIs, so the
// name is the best available signal; a miss only costs a suboptimal settle
// delay.
func GuessWireless(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range wirelessMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
