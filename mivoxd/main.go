package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"

	"github.com/mivox/mivox/assistant"
	"github.com/mivox/mivox/device"
	"github.com/mivox/mivox/devmon"
	"github.com/mivox/mivox/event"
	"github.com/mivox/mivox/internal/audio"
	"github.com/mivox/mivox/internal/lockfile"
)

const appVersion = "0.1.0"

func version() string { return appVersion }

// listDevices prints both device directions of the native backend.
func listDevices() error {
	actx, err := audio.NewContext()
	if err != nil {
		return err
	}
	defer actx.Free()

	fmt.Printf("Audio backend: %s\n", actx.Name())
	for _, dir := range []device.Direction{device.DirectionCapture,
		device.DirectionPlayback} {

		var devs []audio.DeviceInfo
		var err error
		if dir == device.DirectionCapture {
			devs, err = actx.CaptureDevices()
		} else {
			devs, err = actx.PlaybackDevices()
		}
		if err != nil {
			return fmt.Errorf("unable to enumerate %s devices: %w", dir, err)
		}

		fmt.Printf("%s devices:\n", dir)
		for _, d := range devs {
			mark := " "
			if d.IsDefault {
				mark = "*"
			}
			fmt.Printf(" %s %s [%s]\n", mark, d.Name, d.ID)
		}
	}
	return nil
}

func _main() error {
	// flags and settings
	cfg, err := obtainSettings()
	if err != nil {
		return err
	}

	if cfg.ListDevices {
		return listDevices()
	}

	// Refuse to run concurrently to another instance.
	lockCtx, lockCancel := context.WithTimeout(context.Background(),
		2*time.Second)
	flock, err := lockfile.Acquire(lockCtx, cfg.LockFile)
	lockCancel()
	if err != nil {
		return fmt.Errorf("unable to acquire lock file %q (is another %s "+
			"instance running?): %w", cfg.LockFile, appName, err)
	}
	defer flock.Close()

	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, os.Stderr)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("MVXD")
	log.Infof("%s version %s (%s)", appName, version(), runtime.Version())
	log.Debugf("Holding instance lock %s", flock.Path())
	log.Debugf("Settings %v", spew.Sdump(cfg))

	var notifier devmon.Notifier
	if len(cfg.WatchPaths) > 0 {
		notifier = devmon.NewFSNotifier(logBknd.logger("DVMN"), cfg.WatchPaths)
	}

	// The bus is created here instead of by the runtime so the pipeline
	// stub can be wired as the stream data callbacks.
	bus := event.NewBus(logBknd.logger("EVNT"))
	pipe := newPipeline(bus, cfg.RespondFor, logBknd.logger("PIPE"))

	rt, err := assistant.New(assistant.Config{
		Bus:               bus,
		Notifier:          notifier,
		PollInterval:      cfg.PollInterval,
		Debounce:          cfg.Debounce,
		DefaultSampleRate: cfg.SampleRate,
		DefaultChannels:   cfg.Channels,
		Timing:            cfg.Timing,
		OpenTimeout:       cfg.OpenTimeout,
		CloseTimeout:      cfg.CloseTimeout,
		CaptureSink:       pipe.captureSink,
		PlaybackSource:    pipe.playbackSource,
		Logger:            logBknd.logger,
	})
	if err != nil {
		return err
	}

	gest, err := newGestureAdapter(cfg.Binding, rt, logBknd.logger("GEST"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Infof("Received shutdown signal")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return pipe.run(gctx) })
	g.Go(func() error { return gest.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
