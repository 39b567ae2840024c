package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"

	"github.com/mivox/mivox/devmon"
	"github.com/mivox/mivox/mic"
	"github.com/mivox/mivox/stream"
)

const appName = "mivoxd"

var errIniNotFound = errors.New("not found")

// settings is the collection of all mivoxd settings, loaded once at
// startup.
type settings struct {
	// default section
	LockFile string

	// audio section
	SampleRate int
	Channels   int

	// monitor section
	PollInterval time.Duration
	Debounce     time.Duration
	WatchPaths   []string

	// timing section
	Timing stream.TimingPolicy

	// mic section
	OpenTimeout  time.Duration
	CloseTimeout time.Duration

	// gesture section
	Binding string

	// pipeline section
	RespondFor time.Duration

	// log section
	LogFile    string
	DebugLevel string

	// flags
	ListDevices bool
}

// defaultSettings returns the settings used when a key is absent from the
// config file.
func defaultSettings() *settings {
	return &settings{
		LockFile: "~/." + appName + "/" + appName + ".lock",

		SampleRate: 16000,
		Channels:   1,

		PollInterval: devmon.DefaultPollInterval,
		Debounce:     devmon.DefaultDebounce,
		WatchPaths:   devmon.DefaultDevicePaths(),

		Timing: stream.DefaultTimingPolicy(),

		OpenTimeout:  mic.DefaultOpenTimeout,
		CloseTimeout: mic.DefaultCloseTimeout,

		Binding: "ctrl+shift+space",

		RespondFor: 1500 * time.Millisecond,

		LogFile:    "~/." + appName + "/" + appName + ".log",
		DebugLevel: "info",
	}
}

// load merges an ini file over the defaults. Additionally it expands all ~
// to the current user home directory.
func (s *settings) load(filename string) error {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	usr, err := user.Current()
	if err != nil {
		return err
	}
	expand := func(p string) string {
		return strings.Replace(p, "~", usr.HomeDir, 1)
	}

	get := func(p *string, section, key string) {
		v, ok := cfg.Get(section, key)
		if ok {
			*p = v
		}
	}

	// default section
	get(&s.LockFile, "", "lockfile")
	s.LockFile = expand(s.LockFile)

	// audio
	if err := iniInt(cfg, &s.SampleRate, "audio", "samplerate"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("samplerate must be positive")
	}
	if err := iniInt(cfg, &s.Channels, "audio", "channels"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if s.Channels <= 0 {
		return fmt.Errorf("channels must be positive")
	}

	// monitor
	if err := iniDuration(cfg, &s.PollInterval, "monitor", "pollinterval"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(cfg, &s.Debounce, "monitor", "debounce"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	rawWatch, ok := cfg.Get("monitor", "watchpaths")
	if ok {
		var paths []string
		for _, p := range strings.Split(rawWatch, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				paths = append(paths, expand(p))
			}
		}
		s.WatchPaths = paths
	}

	// timing
	for _, td := range []struct {
		p   *time.Duration
		key string
	}{
		{&s.Timing.WiredSettle, "wiredsettle"},
		{&s.Timing.WirelessSettle, "wirelesssettle"},
		{&s.Timing.BackoffBase, "backoffbase"},
		{&s.Timing.BackoffMax, "backoffmax"},
		{&s.Timing.DrainWindow, "drainwindow"},
	} {
		if err := iniDuration(cfg, td.p, "timing", td.key); err != nil &&
			!errors.Is(err, errIniNotFound) {
			return err
		}
	}
	if err := iniInt(cfg, &s.Timing.Retries, "timing", "retries"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniInt(cfg, &s.Timing.WirelessRetries, "timing", "wirelessretries"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	// mic
	if err := iniDuration(cfg, &s.OpenTimeout, "mic", "opentimeout"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(cfg, &s.CloseTimeout, "mic", "closetimeout"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	// gesture
	get(&s.Binding, "gesture", "binding")

	// pipeline
	if err := iniDuration(cfg, &s.RespondFor, "pipeline", "respondfor"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	// log
	get(&s.LogFile, "log", "logfile")
	s.LogFile = expand(s.LogFile)
	get(&s.DebugLevel, "log", "debuglevel")

	return nil
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}

// obtainSettings parses flags and loads the config file. A missing file at
// the default location runs on defaults; a missing file passed explicitly
// is an error.
func obtainSettings() (*settings, error) {
	s := defaultSettings()

	usr, err := user.Current()
	if err != nil {
		return nil, err
	}
	defaultCfg := filepath.Join(usr.HomeDir, "."+appName, appName+".conf")

	filename := flag.String("cfg", defaultCfg, "config file")
	listDevices := flag.Bool("listdevices", false, "list audio devices and exit")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "%s %s (%s)\n", appName, version(),
			runtime.Version())
		os.Exit(0)
	}
	s.ListDevices = *listDevices

	err = s.load(*filename)
	switch {
	case err == nil:
	case os.IsNotExist(err) && *filename == defaultCfg:
		// Running on defaults, which still carry unexpanded paths.
		s.LockFile = strings.Replace(s.LockFile, "~", usr.HomeDir, 1)
		s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)
	default:
		return nil, fmt.Errorf("unable to load %q: %w", *filename, err)
	}

	return s, nil
}
