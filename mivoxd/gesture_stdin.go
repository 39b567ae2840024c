//go:build nohotkey || !(linux || windows)

package main

import (
	"bufio"
	"context"
	"os"

	"github.com/decred/slog"

	"github.com/mivox/mivox/assistant"
)

// stdinGesture drives push-to-talk from stdin for builds without hotkey
// support: each line toggles between press and release.
type stdinGesture struct {
	log slog.Logger
	rt  *assistant.Runtime
}

func newGestureAdapter(binding string, rt *assistant.Runtime, log slog.Logger) (gestureAdapter, error) {
	return &stdinGesture{log: log, rt: rt}, nil
}

func (g *stdinGesture) Run(ctx context.Context) error {
	g.log.Infof("Hotkey support not built in; press enter to start and " +
		"stop recording")

	lines := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var sid string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-lines:
			if sid == "" {
				sid = pressGesture(g.rt, "stdin")
				g.log.Infof("Recording session %s (enter again to stop)", sid)
			} else {
				releaseGesture(g.rt, sid)
				g.log.Infof("Stopped recording session %s", sid)
				sid = ""
			}
		}
	}
}
