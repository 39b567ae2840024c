package device

import "sync"

// StateCache holds the most recently resolved default device, one per
// direction. The device monitor is the only writer; stream managers and
// request-time fallback lookups read it. Readers must not keep the returned
// descriptor beyond the operation that fetched it.
type StateCache struct {
	mtx      sync.Mutex
	capture  *Descriptor
	playback *Descriptor
}

func NewStateCache() *StateCache {
	return &StateCache{}
}

// UpdateDefault replaces the default descriptor for d's direction, returning
// the previous value and whether one existed.
func (c *StateCache) UpdateDefault(d Descriptor) (Descriptor, bool) {
	c.mtx.Lock()
	slot := c.slot(d.Direction)
	var prev Descriptor
	had := *slot != nil
	if had {
		prev = **slot
	}
	cp := d
	*slot = &cp
	c.mtx.Unlock()
	return prev, had
}

// Default returns the current default descriptor for the direction, or false
// when none has been resolved yet.
func (c *StateCache) Default(dir Direction) (Descriptor, bool) {
	c.mtx.Lock()
	slot := c.slot(dir)
	if *slot == nil {
		c.mtx.Unlock()
		return Descriptor{}, false
	}
	d := **slot
	c.mtx.Unlock()
	return d, true
}

func (c *StateCache) slot(dir Direction) **Descriptor {
	if dir == DirectionPlayback {
		return &c.playback
	}
	return &c.capture
}
