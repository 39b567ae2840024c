package stream

import "time"

// Default timing values. Wireless transports negotiate profiles after the
// device node appears, so they get a longer settle window and a larger
// retry budget than wired ones.
const (
	DefaultWiredSettle     = 50 * time.Millisecond
	DefaultWirelessSettle  = 1200 * time.Millisecond
	DefaultRetries         = 3
	DefaultWirelessRetries = 6
	DefaultBackoffBase     = 150 * time.Millisecond
	DefaultBackoffMax      = 2 * time.Second
	DefaultDrainWindow     = 30 * time.Millisecond
)

// TimingPolicy groups the open, retry and close pacing knobs of a stream
// manager.
type TimingPolicy struct {
	// WiredSettle and WirelessSettle are how long a target device rests
	// before the first open attempt.
	WiredSettle    time.Duration
	WirelessSettle time.Duration

	// Retries and WirelessRetries are how many additional attempts
	// follow a failed first open.
	Retries         int
	WirelessRetries int

	// BackoffBase doubles on every failed attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DrainWindow is how long in-flight buffers get to flush before the
	// native stream is stopped.
	DrainWindow time.Duration
}

// DefaultTimingPolicy returns the stock policy.
func DefaultTimingPolicy() TimingPolicy {
	return TimingPolicy{
		WiredSettle:     DefaultWiredSettle,
		WirelessSettle:  DefaultWirelessSettle,
		Retries:         DefaultRetries,
		WirelessRetries: DefaultWirelessRetries,
		BackoffBase:     DefaultBackoffBase,
		BackoffMax:      DefaultBackoffMax,
		DrainWindow:     DefaultDrainWindow,
	}
}

// withDefaults fills zero or negative fields from the stock policy.
func (p TimingPolicy) withDefaults() TimingPolicy {
	def := DefaultTimingPolicy()
	if p.WiredSettle <= 0 {
		p.WiredSettle = def.WiredSettle
	}
	if p.WirelessSettle <= 0 {
		p.WirelessSettle = def.WirelessSettle
	}
	if p.Retries <= 0 {
		p.Retries = def.Retries
	}
	if p.WirelessRetries <= 0 {
		p.WirelessRetries = def.WirelessRetries
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.DrainWindow <= 0 {
		p.DrainWindow = def.DrainWindow
	}
	return p
}

func (p TimingPolicy) settleDelay(wireless bool) time.Duration {
	if wireless {
		return p.WirelessSettle
	}
	return p.WiredSettle
}

func (p TimingPolicy) retryBudget(wireless bool) int {
	if wireless {
		return p.WirelessRetries
	}
	return p.Retries
}

// backoff returns the delay preceding the given retry attempt. Attempt 1 is
// the first retry.
func (p TimingPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := p.BackoffBase << (attempt - 1)
	if d > p.BackoffMax || d <= 0 {
		d = p.BackoffMax
	}
	return d
}
