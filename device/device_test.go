package device

import (
	"fmt"
	"testing"
)

// TestDescriptorIdentity ensures identity comparisons use only the uid, so a
// device that re-enumerates under a different OS index or name is still
// recognized as the same hardware.
func TestDescriptorIdentity(t *testing.T) {
	a := Descriptor{UID: "uidA", Name: "USB Mic", Direction: DirectionCapture, NativeID: "3"}
	b := Descriptor{UID: "uidA", Name: "USB Mic (2)", Direction: DirectionCapture, NativeID: "7"}
	c := Descriptor{UID: "uidB", Name: "USB Mic", Direction: DirectionCapture, NativeID: "3"}

	if !a.Same(b) {
		t.Fatal("descriptors with equal uid not considered the same device")
	}
	if a.Same(c) {
		t.Fatal("descriptors with different uids considered the same device")
	}

	var zero Descriptor
	if zero.Same(zero) {
		t.Fatal("zero descriptors must not compare as the same device")
	}
}

func TestGuessWireless(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"AirPods Pro", true},
		{"WH-1000XM4 (Bluetooth)", true},
		{"Jabra Evolve2 Hands-Free AG Audio", true},
		{"bluez_output.a2dp_sink", true},
		{"Built-in Microphone", false},
		{"USB Audio CODEC", false},
		{"HDA Intel PCH", false},
	}
	for _, tc := range tests {
		if got := GuessWireless(tc.name); got != tc.want {
			t.Errorf("GuessWireless(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStateCache(t *testing.T) {
	c := NewStateCache()

	if _, ok := c.Default(DirectionCapture); ok {
		t.Fatal("fresh cache reported a capture default")
	}
	if _, ok := c.Default(DirectionPlayback); ok {
		t.Fatal("fresh cache reported a playback default")
	}

	first := Descriptor{UID: "uidA", Direction: DirectionCapture}
	if _, had := c.UpdateDefault(first); had {
		t.Fatal("first update reported a previous value")
	}

	got, ok := c.Default(DirectionCapture)
	if !ok || got.UID != "uidA" {
		t.Fatalf("unexpected capture default: %v (ok=%v)", got, ok)
	}

	// Directions are independent.
	if _, ok := c.Default(DirectionPlayback); ok {
		t.Fatal("capture update leaked into the playback slot")
	}

	second := Descriptor{UID: "uidB", Direction: DirectionCapture}
	prev, had := c.UpdateDefault(second)
	if !had || prev.UID != "uidA" {
		t.Fatalf("update did not return previous default: %v (had=%v)", prev, had)
	}
	got, _ = c.Default(DirectionCapture)
	if got.UID != "uidB" {
		t.Fatalf("default not replaced: %v", got)
	}
}

func TestRegistrySyncDirection(t *testing.T) {
	r := NewRegistry()

	capA := Descriptor{UID: "capA", Direction: DirectionCapture}
	capB := Descriptor{UID: "capB", Direction: DirectionCapture}
	playA := Descriptor{UID: "playA", Direction: DirectionPlayback}

	r.SyncDirection(DirectionCapture, []Descriptor{capA, capB})
	r.SyncDirection(DirectionPlayback, []Descriptor{playA})
	if r.Len() != 3 {
		t.Fatalf("unexpected registry size %d", r.Len())
	}

	// capB vanished; capC appeared. The playback direction is untouched.
	capC := Descriptor{UID: "capC", Direction: DirectionCapture}
	r.SyncDirection(DirectionCapture, []Descriptor{capA, capC})

	if _, ok := r.Lookup("capB"); ok {
		t.Fatal("vanished device not pruned")
	}
	if _, ok := r.Lookup("capC"); !ok {
		t.Fatal("new device not added")
	}
	if _, ok := r.Lookup("playA"); !ok {
		t.Fatal("other direction pruned by sync")
	}

	caps := r.ByDirection(DirectionCapture)
	if len(caps) != 2 {
		t.Fatalf("ByDirection returned %d devices, want 2", len(caps))
	}

	// Mismatched direction and empty uids are ignored.
	r.SyncDirection(DirectionCapture, []Descriptor{capA, playA, {Direction: DirectionCapture}})
	if _, ok := r.Lookup("playA"); !ok {
		t.Fatal("mismatched-direction descriptor clobbered the registry")
	}
	if got := r.Len(); got != 2 {
		t.Fatalf("unexpected registry size %d after re-sync", got)
	}
}

func TestRegistryConcurrentReads(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			uid := fmt.Sprintf("cap%d", i)
			r.SyncDirection(DirectionCapture, []Descriptor{{UID: uid, Direction: DirectionCapture}})
		}
		close(done)
	}()
	for {
		select {
		case <-done:
			if got := len(r.ByDirection(DirectionCapture)); got != 1 {
				t.Fatalf("final capture set has %d entries, want 1", got)
			}
			return
		default:
			r.ByDirection(DirectionCapture)
			r.Lookup("cap0")
		}
	}
}
