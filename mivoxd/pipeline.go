package main

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/mivox/mivox/event"
)

// pipeline stands in for the external recognition and synthesis
// collaborators: it watches capture levels while recording and, once a
// recording resolves, pretends to synthesize a response before signaling
// completion. It exercises the full mode cycle without any speech backend.
type pipeline struct {
	log        slog.Logger
	bus        *event.Bus
	respondFor time.Duration

	frames atomic.Uint64
}

func newPipeline(bus *event.Bus, respondFor time.Duration, log slog.Logger) *pipeline {
	return &pipeline{
		log:        log,
		bus:        bus,
		respondFor: respondFor,
	}
}

// captureSink receives the native capture callback. Samples are 16-bit
// little-endian.
func (p *pipeline) captureSink(out, in []byte, frames uint32) {
	p.frames.Add(uint64(frames))

	var peak int32
	for i := 0; i+1 < len(in); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(in[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	p.log.Tracef("Captured %d frames, peak %d", frames, peak)
}

// playbackSource fills the native playback buffers. Silence, until a real
// synthesis collaborator exists.
func (p *pipeline) playbackSource(out, in []byte, frames uint32) {
	for i := range out {
		out[i] = 0
	}
}

// run replays every orderly recording closure as a synthesized response
// after the configured delay.
func (p *pipeline) run(ctx context.Context) error {
	closed := make(chan event.MicClosed, 8)
	reg := p.bus.Register(event.OnMicClosedNtfn(func(e event.MicClosed) {
		select {
		case closed <- e:
		case <-ctx.Done():
		}
	}))
	defer reg.Unregister()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e := <-closed:
			if e.Forced {
				continue
			}
			frames := p.frames.Swap(0)
			p.log.Infof("Recording %s captured %d frames, synthesizing "+
				"response for %s", e.SessionID, frames, p.respondFor)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.respondFor):
			}
			p.bus.PublishResponseFinished(event.ResponseFinished{
				SessionID: e.SessionID,
			})
		}
	}
}
