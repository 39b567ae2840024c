//go:build (linux || windows) && !nohotkey

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"golang.design/x/hotkey"

	"github.com/mivox/mivox/assistant"
)

// hotkeyGesture binds a global hotkey: keydown starts a recording, keyup
// releases it. Darwin is excluded from the build: hotkey registration there
// must run on the process main run loop, which the daemon does not own, so
// darwin builds use the stdin adapter instead.
type hotkeyGesture struct {
	log     slog.Logger
	rt      *assistant.Runtime
	binding string
	mods    []hotkey.Modifier
	key     hotkey.Key
}

func newGestureAdapter(binding string, rt *assistant.Runtime, log slog.Logger) (gestureAdapter, error) {
	mods, key, err := parseBinding(binding)
	if err != nil {
		return nil, err
	}
	return &hotkeyGesture{
		log:     log,
		rt:      rt,
		binding: binding,
		mods:    mods,
		key:     key,
	}, nil
}

func (g *hotkeyGesture) Run(ctx context.Context) error {
	hk := hotkey.New(g.mods, g.key)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("unable to register hotkey %q: %w", g.binding, err)
	}
	defer hk.Unregister()
	g.log.Infof("Push-to-talk bound to %s", g.binding)

	var sid string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-hk.Keydown():
			if sid != "" {
				// Key repeat while held.
				continue
			}
			sid = pressGesture(g.rt, "hotkey")
			g.log.Debugf("Gesture press, session %s", sid)

		case <-hk.Keyup():
			if sid == "" {
				continue
			}
			releaseGesture(g.rt, sid)
			g.log.Debugf("Gesture release, session %s", sid)
			sid = ""
		}
	}
}

// gestureKeys maps binding key names to hotkey codes. Only keys the hotkey
// library names on every supported platform are listed.
var gestureKeys = map[string]hotkey.Key{
	"space": hotkey.KeySpace,
	"0":     hotkey.Key0,
	"1":     hotkey.Key1,
	"2":     hotkey.Key2,
	"3":     hotkey.Key3,
	"4":     hotkey.Key4,
	"5":     hotkey.Key5,
	"6":     hotkey.Key6,
	"7":     hotkey.Key7,
	"8":     hotkey.Key8,
	"9":     hotkey.Key9,
	"a":     hotkey.KeyA,
	"b":     hotkey.KeyB,
	"c":     hotkey.KeyC,
	"d":     hotkey.KeyD,
	"e":     hotkey.KeyE,
	"f":     hotkey.KeyF,
	"g":     hotkey.KeyG,
	"h":     hotkey.KeyH,
	"i":     hotkey.KeyI,
	"j":     hotkey.KeyJ,
	"k":     hotkey.KeyK,
	"l":     hotkey.KeyL,
	"m":     hotkey.KeyM,
	"n":     hotkey.KeyN,
	"o":     hotkey.KeyO,
	"p":     hotkey.KeyP,
	"q":     hotkey.KeyQ,
	"r":     hotkey.KeyR,
	"s":     hotkey.KeyS,
	"t":     hotkey.KeyT,
	"u":     hotkey.KeyU,
	"v":     hotkey.KeyV,
	"w":     hotkey.KeyW,
	"x":     hotkey.KeyX,
	"y":     hotkey.KeyY,
	"z":     hotkey.KeyZ,
	"f1":    hotkey.KeyF1,
	"f2":    hotkey.KeyF2,
	"f3":    hotkey.KeyF3,
	"f4":    hotkey.KeyF4,
	"f5":    hotkey.KeyF5,
	"f6":    hotkey.KeyF6,
	"f7":    hotkey.KeyF7,
	"f8":    hotkey.KeyF8,
	"f9":    hotkey.KeyF9,
	"f10":   hotkey.KeyF10,
	"f11":   hotkey.KeyF11,
	"f12":   hotkey.KeyF12,
}

// parseBinding parses a "mod+mod+key" binding string. Ctrl and shift are
// the only modifiers with the same name on every platform, so they are the
// only ones accepted.
func parseBinding(binding string) ([]hotkey.Modifier, hotkey.Key, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(binding)), "+")
	if len(parts) < 2 {
		return nil, 0, fmt.Errorf("binding %q needs at least one modifier "+
			"and a key", binding)
	}

	var mods []hotkey.Modifier
	for _, mod := range parts[:len(parts)-1] {
		switch mod {
		case "ctrl":
			mods = append(mods, hotkey.ModCtrl)
		case "shift":
			mods = append(mods, hotkey.ModShift)
		default:
			return nil, 0, fmt.Errorf("unsupported modifier %q in binding "+
				"%q (ctrl and shift are supported)", mod, binding)
		}
	}

	key, ok := gestureKeys[parts[len(parts)-1]]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported key %q in binding %q",
			parts[len(parts)-1], binding)
	}
	return mods, key, nil
}
