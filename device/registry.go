package device

import "github.com/puzpuzpuz/xsync/v3"

// Registry tracks every device the monitor could enumerate, keyed by uid.
// The monitor replaces one direction's entries on each scan; everything else
// only reads. Entries are point-in-time snapshots: a device may vanish
// between a lookup and the attempt to open it, which stream managers treat
// as a transient open failure.
type Registry struct {
	devs *xsync.MapOf[string, Descriptor]
}

func NewRegistry() *Registry {
	return &Registry{devs: xsync.NewMapOf[string, Descriptor]()}
}

// Lookup returns the descriptor with the given uid, if currently known.
func (r *Registry) Lookup(uid string) (Descriptor, bool) {
	return r.devs.Load(uid)
}

// ByDirection returns the currently known devices of one direction, in no
// particular order.
func (r *Registry) ByDirection(dir Direction) []Descriptor {
	var res []Descriptor
	r.devs.Range(func(_ string, d Descriptor) bool {
		if d.Direction == dir {
			res = append(res, d)
		}
		return true
	})
	return res
}

// Len returns the number of known devices across both directions.
func (r *Registry) Len() int {
	return r.devs.Size()
}

// SyncDirection replaces the registry's view of one direction: descriptors
// in devs are upserted, and entries of that direction no longer present are
// pruned. Descriptors with a different direction or an empty uid are
// ignored.
func (r *Registry) SyncDirection(dir Direction, devs []Descriptor) {
	seen := make(map[string]struct{}, len(devs))
	for _, d := range devs {
		if d.Direction != dir || d.UID == "" {
			continue
		}
		seen[d.UID] = struct{}{}
		r.devs.Store(d.UID, d)
	}
	r.devs.Range(func(uid string, d Descriptor) bool {
		if d.Direction == dir {
			if _, ok := seen[uid]; !ok {
				r.devs.Delete(uid)
			}
		}
		return true
	})
}
