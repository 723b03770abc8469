package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "golang.org/x/image/bmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"epaperd/internal/battery"
	"epaperd/internal/capture"
	"epaperd/internal/config"
	"epaperd/internal/convert"
	"epaperd/internal/epd"
	appLog "epaperd/internal/log"
	"epaperd/internal/schedule"
	"epaperd/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	image      string
	text       string
	clear      bool
	sleep      bool
	partial    bool
	capture    bool
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		appLog.Warn("invalid log level; using info", "log_level", conf.LogLevel)
	}
	appLog.SetLevel(level)

	appLog.Info("epaperd starting",
		"listen", conf.Listen,
		"model", conf.Panel.Model,
		"bus", conf.Bus.Kind,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("epaperd failed", err)
		os.Exit(1)
	}
	appLog.Info("epaperd exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	profile, err := epd.Lookup(conf.Panel.Model)
	if err != nil {
		return fmt.Errorf("%w (supported: %v)", err, epd.SupportedModels())
	}

	bus, closer, err := epd.Open(openOpts(conf, profile))
	if err != nil {
		return err
	}
	defer closer.Close()

	drv, err := epd.New(bus, profile, &epd.Opts{
		WaitAfterRefresh: conf.Panel.WaitAfterRefresh,
		Diag:             appLog.With("epd"),
	})
	if err != nil {
		return err
	}
	if err := drv.Init(&epd.InitOpts{
		PulldownReset: conf.Panel.PulldownReset,
		KeepContent:   conf.Panel.KeepContent,
	}); err != nil {
		return err
	}

	panel := epd.NewLocked(drv)
	display := epd.NewDisplay(panel, &epd.DisplayOpts{
		Render: convert.Options{
			Rotate:    conf.Render.Rotate,
			Dither:    conf.Render.Dither,
			Invert:    conf.Render.Invert,
			Threshold: conf.Render.Threshold,
		},
		Partial: flags.partial,
	})
	// The panel keeps its image without power; always leave it asleep.
	defer func() {
		if err := display.Halt(); err != nil {
			appLog.Error("hibernate failed", err)
		}
	}()

	if oneShot(flags) {
		return runOnce(ctx, conf, flags, panel, display)
	}
	return serve(ctx, conf, panel, display)
}

func oneShot(flags flagConfig) bool {
	return flags.once || flags.image != "" || flags.text != "" || flags.clear || flags.sleep || flags.capture
}

// runOnce performs the actions selected on the command line in a fixed
// order: clear, image, text, capture, then waits for the panel.
func runOnce(ctx context.Context, conf *config.Config, flags flagConfig, panel *epd.Locked, display *epd.Display) error {
	if flags.clear {
		if err := panel.Do(func(d *epd.Driver) error { return d.ClearScreen(epd.White) }); err != nil {
			return err
		}
	}
	if flags.image != "" {
		img, err := loadImage(flags.image)
		if err != nil {
			return err
		}
		if err := display.Show(img, flags.partial); err != nil {
			return err
		}
	}
	if flags.text != "" {
		p := panel.Profile()
		img, err := convert.Text(strings.ReplaceAll(flags.text, `\n`, "\n"), p.Width, p.Height, textOpts(conf))
		if err != nil {
			return err
		}
		if err := display.Show(img, flags.partial); err != nil {
			return err
		}
	}
	if flags.capture {
		img, err := capture.Image(ctx, captureOpts(conf))
		if err != nil {
			return err
		}
		if err := display.Show(img, flags.partial); err != nil {
			return err
		}
	}
	// Let the last refresh finish before hibernating.
	return panel.Do(func(d *epd.Driver) error {
		d.WaitUntilIdle()
		return nil
	})
}

func serve(ctx context.Context, conf *config.Config, panel *epd.Locked, display *epd.Display) error {
	var batt battery.Reader
	if conf.Battery.Enabled {
		r, closer, err := battery.Open(conf.Battery.Bus, conf.Battery.Addr)
		if err != nil {
			appLog.Warn("battery reader unavailable", "err", err)
		} else {
			defer closer.Close()
			batt = battery.NewCached(r, time.Minute)
		}
	}

	sched, err := schedule.New(ctx,
		schedule.BatteryGuard(schedule.RefreshJob(conf.Schedule.FullRefresh, panel), batt, conf.Battery.MinPercent),
		schedule.BatteryGuard(schedule.CaptureJob(conf.Schedule.Capture, captureOpts(conf), display, conf.Capture.Partial), batt, conf.Battery.MinPercent),
	)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(conf, panel, display)
	if batt != nil {
		srv.SetBattery(batt)
	}
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openOpts(conf *config.Config, p *epd.Profile) *epd.OpenOpts {
	o := &epd.OpenOpts{
		Kind:  conf.Bus.Kind,
		Port:  conf.Bus.Port,
		Speed: physic.Frequency(conf.Bus.SpeedHz) * physic.Hertz,
		Mode:  spi.Mode(conf.Bus.Mode),
		CS:    conf.Bus.Pins.CS,
		DC:    conf.Bus.Pins.DC,
		RST:   conf.Bus.Pins.RST,
		Busy:  conf.Bus.Pins.Busy,
		Bus: epd.BusOpts{
			BusyLevel:     p.BusyLevel,
			BusyTimeout:   p.BusyTimeout,
			PulldownReset: conf.Panel.PulldownReset,
			Diag:          appLog.With("bus"),
		},
	}
	switch conf.Bus.BusyLevel {
	case "high":
		o.Bus.BusyLevel = gpio.High
	case "low":
		o.Bus.BusyLevel = gpio.Low
	}
	if t := time.Duration(conf.Panel.BusyTimeout); t > 0 {
		o.Bus.BusyTimeout = t
	}
	return o
}

func textOpts(conf *config.Config) convert.TextOptions {
	return convert.TextOptions{Size: conf.Render.TextSize, Margin: conf.Render.TextMargin}
}

func captureOpts(conf *config.Config) capture.Options {
	return capture.Options{
		URL:      conf.Capture.URL,
		Width:    conf.Capture.Width,
		Height:   conf.Capture.Height,
		Selector: conf.Capture.Selector,
		Timeout:  time.Duration(conf.Capture.Timeout),
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeImage(f)
}

func decodeImage(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	appLog.Debug("image decoded", "format", format, "bounds", img.Bounds())
	return img, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epaperd/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.image, "image", "", "Show an image file (PNG, JPEG, BMP) and exit")
	flag.StringVar(&cfg.text, "text", "", `Show text ("\n" starts a new line) and exit`)
	flag.BoolVar(&cfg.clear, "clear", false, "Clear the panel to white and exit")
	flag.BoolVar(&cfg.sleep, "sleep", false, "Put the panel into deep sleep and exit")
	flag.BoolVar(&cfg.partial, "partial", false, "Use partial refreshes")
	flag.BoolVar(&cfg.capture, "capture", false, "Capture capture.url once, show it and exit")
	flag.BoolVar(&cfg.once, "once", false, "Run the selected actions and exit instead of serving")

	flag.Parse()

	return cfg
}
