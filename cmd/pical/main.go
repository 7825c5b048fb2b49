package main

import (
	"context"
	"errors"
	"flag"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"pical/internal/battery"
	"pical/internal/bus"
	"pical/internal/config"
	"pical/internal/epd"
	"pical/internal/frame"
	"pical/internal/ics"
	appLog "pical/internal/log"
	"pical/internal/refresh"
	"pical/internal/render"
	"pical/internal/scheduler"
	"pical/internal/termview"
	"pical/internal/weather"
	"pical/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	debug      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.Log.Level))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	if conf.Log.File != "" {
		if err := appLog.OpenFile(conf.Log.File); err != nil {
			appLog.Error("failed to open log file", err, "path", conf.Log.File)
		}
	}
	defer appLog.Close()

	appLog.Info("pical starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"width", conf.Panel.Width,
		"height", conf.Panel.Height,
		"bit_depth", conf.Panel.BitDepth,
		"schedule", conf.Refresh.Schedule,
		"full_every", conf.Refresh.FullEvery,
		"source", conf.Render.Source,
		"calendars", len(conf.Calendars),
		"once", flags.once,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
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

	fetcher := ics.NewFetcher(filepath.Join(conf.CacheDir, "ics"))
	batt := batteryReader(conf)
	producer, err := newProducer(conf, fetcher, batt)
	if err != nil {
		appLog.Error("failed to set up renderer", err)
		return 1
	}
	if flags.dump {
		producer = dumping(producer, filepath.Join(conf.CacheDir, "preview.png"))
	}

	if flags.renderOnly {
		return renderOnly(ctx, conf, producer)
	}

	popts, err := panelOpts(conf)
	if err != nil {
		appLog.Error("invalid panel settings", err)
		return 1
	}
	session, err := openPanel(conf, popts)
	if err != nil {
		var herr *epd.HandshakeError
		if errors.As(err, &herr) {
			appLog.Error("controller handshake failed", err, "reason", herr.Reason)
		} else {
			appLog.Error("failed to open panel", err)
		}
		return 1
	}
	defer func() {
		if err := session.Close(); err != nil {
			appLog.Error("panel close failed", err)
		}
	}()

	engine := refresh.NewEngine(session, refresh.Options{
		FullEvery:      conf.Refresh.FullEvery,
		TileSize:       conf.Refresh.TileSize,
		MaxRegions:     conf.Refresh.MaxRegions,
		PartialMaxArea: conf.Refresh.PartialMaxArea,
		FastMaxArea:    conf.Refresh.FastMaxArea,
		LowPower:       popts.LowPower,
	})
	sched, err := scheduler.New(engine, session, producer, scheduler.Options{
		Schedule:      conf.Refresh.Schedule,
		Width:         conf.Panel.Width,
		Height:        conf.Panel.Height,
		Depth:         frame.Depth(conf.Panel.BitDepth),
		RenderTimeout: conf.Refresh.RenderTimeout,
		LowPowerAfter: conf.Refresh.LowPowerAfter,
		RecoverAfter:  conf.Refresh.RecoverAfter,
	})
	if err != nil {
		appLog.Error("failed to create scheduler", err)
		return 1
	}

	if flags.once {
		err := sched.Tick(ctx)
		if lerr := engine.EnterLowPower(); lerr != nil {
			appLog.Error("low power failed", lerr)
		}
		if err != nil {
			appLog.Error("refresh cycle failed", err)
			return 1
		}
		appLog.Info("pical single cycle done")
		return 0
	}

	srv := web.NewServer(conf, web.Deps{
		Status:    sched,
		State:     engine,
		Battery:   batt,
		Calendars: fetcher,
		Sources:   sources(conf),
	})
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		if err := srv.Run(ctx); err != nil {
			appLog.Error("HTTP server failed", err)
		}
	}()

	err = sched.Run(ctx)
	cancel()
	<-srvDone
	if err != nil {
		appLog.Error("scheduler stopped", err)
		return 1
	}
	appLog.Info("pical exiting")
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.pical.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one render+refresh cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render and print to the terminal; do not touch display hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Write every rendered frame to preview.png in the cache dir")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

func sources(conf *config.Config) []ics.Source {
	out := make([]ics.Source, 0, len(conf.Calendars))
	for _, c := range conf.Calendars {
		out = append(out, ics.Source{ID: c.ID, Name: c.Name, URL: c.URL})
	}
	return out
}

// batteryReader returns nil when no gauge is configured.
func batteryReader(conf *config.Config) battery.Reader {
	if !conf.Battery.Enabled {
		return nil
	}
	return battery.DefaultReader(conf.Battery.I2CBus, conf.Battery.Address)
}

func newProducer(conf *config.Config, fetcher *ics.Fetcher, batt battery.Reader) (scheduler.Producer, error) {
	if conf.Render.Source == "browser" {
		b := render.NewBrowser(conf.Render.URL, conf.Render.Dither)
		b.Timeout = conf.Refresh.RenderTimeout
		return b, nil
	}

	var w render.Weather
	if conf.Weather.Enabled {
		w = weather.NewClient(conf.Weather.Latitude, conf.Weather.Longitude, conf.Weather.Refresh)
	}
	return render.NewNative(fetcher, w, batt, render.NativeOptions{
		Calendars:   sources(conf),
		Location:    conf.Location(),
		HorizonDays: conf.Render.HorizonDays,
		Zoom:        conf.Render.Zoom,
		Scaling:     conf.Render.Scaling,
		FontPath:    conf.Render.FontPath,
		Dither:      conf.Render.Dither,
	})
}

// dumping wraps p so every produced frame is also written to path.
func dumping(p scheduler.Producer, path string) scheduler.Producer {
	return scheduler.ProducerFunc(func(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error) {
		fb, err := p.ProduceFrame(ctx, width, height, depth)
		if err != nil {
			return nil, err
		}
		if err := writePNG(path, fb); err != nil {
			appLog.Error("frame dump failed", err, "path", path)
		} else {
			appLog.Debug("frame dumped", "path", path)
		}
		return fb, nil
	})
}

func writePNG(path string, fb *frame.Buffer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, fb.Gray()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// panelOpts maps the panel and refresh settings onto driver options.
func panelOpts(conf *config.Config) (epd.Opts, error) {
	lp, err := epd.ParseLowPower(conf.Panel.StandbyMode)
	if err != nil {
		return epd.Opts{}, err
	}
	return epd.Opts{
		Width:        conf.Panel.Width,
		Height:       conf.Panel.Height,
		BitsPerPixel: conf.Panel.BitDepth,
		VCOM:         uint16(conf.Panel.VCOMmV),
		Waveforms: epd.Waveforms{
			Full:    uint16(conf.Refresh.Waveforms.Full),
			Partial: uint16(conf.Refresh.Waveforms.Partial),
			Fast:    uint16(conf.Refresh.Waveforms.Fast),
		},
		LowPower:      lp,
		TimeoutBase:   conf.Refresh.TimeoutBase,
		TimeoutPerMpx: conf.Refresh.TimeoutPerMpx,
	}, nil
}

func openPanel(conf *config.Config, opts epd.Opts) (*epd.Session, error) {
	t, err := bus.OpenSPI(bus.SPIConfig{
		Port:      conf.Panel.SPIPort,
		Hz:        conf.Panel.SPIHz,
		ResetPin:  conf.Panel.ResetPin,
		BusyPin:   conf.Panel.BusyPin,
		OpTimeout: conf.Panel.ReadyTimeout,
	})
	if err != nil {
		return nil, err
	}
	drv, err := epd.New(t, opts)
	if err != nil {
		t.Close()
		return nil, err
	}
	session, err := drv.Initialize()
	if err != nil {
		t.Close()
		return nil, err
	}
	return session, nil
}

// renderOnly produces one frame and prints it to the terminal.
func renderOnly(ctx context.Context, conf *config.Config, p scheduler.Producer) int {
	ctx, cancel := context.WithTimeout(ctx, conf.Refresh.RenderTimeout)
	defer cancel()

	fb, err := p.ProduceFrame(ctx, conf.Panel.Width, conf.Panel.Height, frame.Depth(conf.Panel.BitDepth))
	if err != nil {
		appLog.Error("render failed", err)
		return 1
	}
	if err := termview.New(&termview.Opts{Columns: 100}).Show(fb); err != nil {
		appLog.Error("terminal preview failed", err)
		return 1
	}
	appLog.Info("render-only done", "frame", fb.String())
	return 0
}
