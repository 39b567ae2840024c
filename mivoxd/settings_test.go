package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mivox/mivox/devmon"
	"github.com/mivox/mivox/internal/assert"
	"github.com/mivox/mivox/mic"
)

func TestSettingsDefaults(t *testing.T) {
	s := defaultSettings()
	assert.BoolIs(t, s.SampleRate == 16000, true)
	assert.BoolIs(t, s.Channels == 1, true)
	assert.BoolIs(t, s.PollInterval == devmon.DefaultPollInterval, true)
	assert.BoolIs(t, s.OpenTimeout == mic.DefaultOpenTimeout, true)
	assert.BoolIs(t, s.Binding == "ctrl+shift+space", true)
	assert.BoolIs(t, s.DebugLevel == "info", true)
}

func TestSettingsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, appName+".conf")
	content := `lockfile = ` + filepath.Join(dir, "test.lock") + `

[audio]
samplerate = 48000
channels = 2

[monitor]
pollinterval = 5s
debounce = 150ms
watchpaths = /dev/snd, /dev/input

[timing]
wiredsettle = 10ms
wirelesssettle = 2s
retries = 5
wirelessretries = 9
backoffbase = 100ms
backoffmax = 3s
drainwindow = 40ms

[mic]
opentimeout = 6s
closetimeout = 3s

[gesture]
binding = ctrl+space

[pipeline]
respondfor = 2s

[log]
logfile = ` + filepath.Join(dir, "test.log") + `
debuglevel = debug,CAPS=trace
`
	assert.NilErr(t, os.WriteFile(path, []byte(content), 0o600))

	s := defaultSettings()
	assert.NilErr(t, s.load(path))

	assert.BoolIs(t, s.LockFile == filepath.Join(dir, "test.lock"), true)
	assert.BoolIs(t, s.SampleRate == 48000, true)
	assert.BoolIs(t, s.Channels == 2, true)
	assert.BoolIs(t, s.PollInterval == 5*time.Second, true)
	assert.BoolIs(t, s.Debounce == 150*time.Millisecond, true)
	assert.DeepEqual(t, s.WatchPaths, []string{"/dev/snd", "/dev/input"})
	assert.BoolIs(t, s.Timing.WiredSettle == 10*time.Millisecond, true)
	assert.BoolIs(t, s.Timing.WirelessSettle == 2*time.Second, true)
	assert.BoolIs(t, s.Timing.Retries == 5, true)
	assert.BoolIs(t, s.Timing.WirelessRetries == 9, true)
	assert.BoolIs(t, s.Timing.BackoffBase == 100*time.Millisecond, true)
	assert.BoolIs(t, s.Timing.BackoffMax == 3*time.Second, true)
	assert.BoolIs(t, s.Timing.DrainWindow == 40*time.Millisecond, true)
	assert.BoolIs(t, s.OpenTimeout == 6*time.Second, true)
	assert.BoolIs(t, s.CloseTimeout == 3*time.Second, true)
	assert.BoolIs(t, s.Binding == "ctrl+space", true)
	assert.BoolIs(t, s.RespondFor == 2*time.Second, true)
	assert.BoolIs(t, s.LogFile == filepath.Join(dir, "test.log"), true)
	assert.BoolIs(t, s.DebugLevel == "debug,CAPS=trace", true)
}

// Absent keys keep their defaults.
func TestSettingsPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), appName+".conf")
	content := "[gesture]\nbinding = ctrl+m\n"
	assert.NilErr(t, os.WriteFile(path, []byte(content), 0o600))

	s := defaultSettings()
	assert.NilErr(t, s.load(path))
	assert.BoolIs(t, s.Binding == "ctrl+m", true)
	assert.BoolIs(t, s.SampleRate == 16000, true)
	assert.BoolIs(t, s.PollInterval == devmon.DefaultPollInterval, true)
}

func TestSettingsRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad duration", "[monitor]\npollinterval = soon\n"},
		{"bad int", "[audio]\nsamplerate = many\n"},
		{"zero samplerate", "[audio]\nsamplerate = 0\n"},
		{"zero channels", "[audio]\nchannels = 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), appName+".conf")
			assert.NilErr(t, os.WriteFile(path, []byte(tc.content), 0o600))

			s := defaultSettings()
			err := s.load(path)
			assert.BoolIs(t, err != nil, true)
		})
	}
}
