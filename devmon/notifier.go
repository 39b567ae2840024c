package devmon

import (
	"context"
	"runtime"

	"github.com/decred/slog"
	"github.com/fsnotify/fsnotify"
)

// Notifier surfaces hints that the host audio topology may have changed.
// Hints are advisory and carry no payload: the monitor re-enumerates and
// decides what, if anything, changed.
type Notifier interface {
	// Hints returns the channel hint pulses are delivered on.
	Hints() <-chan struct{}

	// Run delivers hints until the context is canceled.
	Run(ctx context.Context) error
}

// DefaultDevicePaths returns the filesystem paths whose churn indicates
// audio device attach and detach on this OS. An empty slice means the OS
// offers no watchable path and polling is the only detection path.
func DefaultDevicePaths() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{"/dev/snd"}
	default:
		return nil
	}
}

// FSNotifier emits a change hint whenever a watched device path churns.
// Device nodes appearing or disappearing under /dev/snd is how ALSA
// surfaces USB and bluetooth attach events.
type FSNotifier struct {
	log   slog.Logger
	paths []string
	hints chan struct{}
}

// NewFSNotifier creates a notifier watching the given paths. Passing the
// result of DefaultDevicePaths is the common case.
func NewFSNotifier(log slog.Logger, paths []string) *FSNotifier {
	if log == nil {
		log = slog.Disabled
	}
	return &FSNotifier{
		log:   log,
		paths: paths,
		hints: make(chan struct{}, 1),
	}
}

// Hints returns the hint channel. Pulses are coalesced: a hint that has not
// been consumed yet absorbs later ones.
func (n *FSNotifier) Hints() <-chan struct{} {
	return n.hints
}

func (n *FSNotifier) hint() {
	select {
	case n.hints <- struct{}{}:
	default:
	}
}

// Run watches the configured paths until the context is canceled. Paths
// that cannot be watched are skipped with a warning; when none can be
// watched the notifier stays silent and the monitor's poller carries the
// detection load alone.
func (n *FSNotifier) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, path := range n.paths {
		if err := watcher.Add(path); err != nil {
			n.log.Warnf("Unable to watch %s: %v", path, err)
			continue
		}
		n.log.Debugf("Watching %s for device changes", path)
		watched++
	}
	if watched == 0 {
		n.log.Infof("No watchable device paths, change detection is poll only")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			n.log.Tracef("Device path event: %s", ev)
			n.hint()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.log.Warnf("Device path watcher error: %v", err)
		}
	}
}

// ChanNotifier adapts a plain channel into a Notifier. It is used by
// frontends that receive change callbacks from elsewhere and by tests.
type ChanNotifier struct {
	hints chan struct{}
}

// NewChanNotifier creates a notifier whose hints are raised via Hint.
func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{hints: make(chan struct{}, 1)}
}

// Hint raises a change hint. It never blocks.
func (n *ChanNotifier) Hint() {
	select {
	case n.hints <- struct{}{}:
	default:
	}
}

// Hints returns the hint channel.
func (n *ChanNotifier) Hints() <-chan struct{} {
	return n.hints
}

// Run blocks until the context is canceled.
func (n *ChanNotifier) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
