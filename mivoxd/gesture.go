package main

import (
	"context"

	"github.com/mivox/mivox/assistant"
	"github.com/mivox/mivox/event"
)

// gestureAdapter turns push-to-talk input into recording requests. The
// concrete adapter is picked at build time: a global hotkey where the
// platform supports one, a stdin toggle otherwise.
type gestureAdapter interface {
	Run(ctx context.Context) error
}

// pressGesture starts a recording episode and returns its session id.
func pressGesture(rt *assistant.Runtime, source string) string {
	sid := rt.NextSessionID()
	rt.Bus().PublishRecordingRequested(event.RecordingRequested{
		SessionID: sid,
		Source:    source,
	})
	return sid
}

func releaseGesture(rt *assistant.Runtime, sid string) {
	rt.Bus().PublishRecordingStopRequested(event.RecordingStopRequested{
		SessionID: sid,
	})
}
