package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"subtitle/audio"
	"subtitle/caption"
	"subtitle/clipboard"
	"subtitle/config"
	"subtitle/doctor"
	"subtitle/hotkey"
	"subtitle/locale"
	"subtitle/log"
	"subtitle/pipeline"
	"subtitle/shutdown"
	"subtitle/transcriber"
	"subtitle/translate"
	"subtitle/webcaption"
)

var version = "dev"

var guiMode bool

type options struct {
	logPath    string
	device     string
	setup      bool
	doctor     bool
	test       bool
	script     string
	tui        bool
	autostart  bool
	source     string
	target     string
	provider   string
	translator string
	httpAddr   string
	longPress  time.Duration
}

type app struct {
	opts    options
	cfg     config.Config
	cfgPath string

	ac     audio.Context
	rec    transcriber.Transcriber
	coord  *translate.Coordinator
	engine *caption.Engine
	pipe   *pipeline.Pipeline
	web    *webcaption.Server
	lines  *lineWriter
	sink   EventSink
	device *audio.DeviceInfo

	// test mode only
	testCtx *testContext

	saveMu       sync.Mutex
	quit         chan struct{}
	quitOnce     sync.Once
	shutdownOnce sync.Once
}

func parseFlags() options {
	var o options
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	flag.StringVar(&o.device, "device", "", "Capture from the named device instead of the default output monitor")
	flag.BoolVar(&o.setup, "setup", false, "Pick the capture device interactively")
	flag.BoolVar(&o.doctor, "doctor", false, "Run system diagnostics and exit")
	flag.BoolVar(&o.test, "test", false, "Test mode: caption a WAV file (headless, stdin-driven)")
	flag.StringVar(&o.script, "script", "", "Recognizer script for -test (JSON lines)")
	flag.BoolVar(&o.tui, "tui", true, "Run with terminal UI")
	flag.BoolVar(&o.autostart, "autostart", true, "Start captioning immediately")
	flag.StringVar(&o.source, "lang", "", "Language spoken in the audio (e.g. en, ja, zh-Hans)")
	flag.StringVar(&o.target, "target", "", "Language to translate captions into")
	flag.StringVar(&o.provider, "provider", "", "Recognizer: deepgram or groq (default: whichever key is set)")
	flag.StringVar(&o.translator, "translator", "", "Translation backend: deepl, libretranslate or none")
	flag.StringVar(&o.httpAddr, "http", "", "Serve the caption feed on this address (e.g. 127.0.0.1:7755)")
	flag.DurationVar(&o.longPress, "longpress", 350*time.Millisecond, "Hotkey hold threshold for copying the caption")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	flag.Bool("gui", false, "Show captions in an overlay window (build with -tags gui)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("subtitle %s\n", version)
		os.Exit(0)
	}
	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	return o
}

// applyFlags layers command-line flags over the loaded config.
func applyFlags(cfg *config.Config, o options) error {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.SourceLanguage, o.source)
	override(&cfg.TargetLanguage, o.target)
	override(&cfg.Provider, o.provider)
	override(&cfg.Translation.Backend, o.translator)
	override(&cfg.HTTPAddr, o.httpAddr)
	override(&cfg.LogPath, o.logPath)
	return cfg.Validate()
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	log.Close()
	os.Exit(1)
}

// setup parses flags and builds every component. Modes that end before
// captioning (-doctor) exit from here.
func setup() *app {
	a := &app{opts: parseFlags(), lines: &lineWriter{}, quit: make(chan struct{})}

	cfg, path, err := config.Loader{}.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, a.opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	a.cfg, a.cfgPath = cfg, path

	initLogging(cfg)

	backend, err := translate.New(translate.Config{
		Backend:     cfg.Translation.Backend,
		DeepLKey:    cfg.Translation.DeepLKey,
		DeepLURL:    cfg.Translation.DeepLURL,
		LibreURL:    cfg.Translation.LibreURL,
		LibreAPIKey: cfg.Translation.LibreAPIKey,
	})
	if err != nil {
		fatalf("%v", err)
	}

	creds := transcriber.Credentials{DeepgramKey: cfg.DeepgramKey, GroqKey: cfg.GroqKey, Model: cfg.Model}

	if a.opts.doctor {
		rec, err := transcriber.New(cfg.Provider, creds)
		if err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
		os.Exit(doctor.Run(context.Background(), os.Stdout, doctor.Checks(doctor.Deps{
			OpenAudio:  audio.NewContext,
			Device:     a.opts.device,
			Recognizer: rec,
			Translator: backend,
			Source:     cfg.SourceLanguage,
			Target:     cfg.TargetLanguage,
			Clipboard:  true,
			Hotkey:     true,
		})))
	}

	if a.opts.test {
		if err := a.setupTest(flag.Args(), &backend); err != nil {
			fatalf("%v", err)
		}
	} else {
		if a.rec, err = transcriber.New(cfg.Provider, creds); err != nil {
			fatalf("%v", err)
		}
		if a.ac, err = audio.NewContext(); err != nil {
			fatalf("audio context init: %v", err)
		}
		a.device = a.pickDevice()
	}

	a.coord = translate.NewCoordinator(backend)
	a.engine = caption.NewEngine(a.coord, caption.WithSink(a.lines.write))

	var lastLevel atomic.Int64
	a.pipe = pipeline.New(a.ac, a.rec, a.coord, a.engine,
		pipeline.WithDevice(a.device),
		pipeline.WithLevel(func(level float64) {
			// the capture callback must not block on the display
			now := time.Now().UnixNano()
			if now-lastLevel.Load() < int64(50*time.Millisecond) {
				return
			}
			lastLevel.Store(now)
			if a.sink != nil {
				a.sink.AudioLevel(level)
			}
		}),
	)
	a.pipe.SetLanguages(context.Background(), cfg.SourceLanguage, cfg.TargetLanguage)
	return a
}

func initLogging(cfg config.Config) {
	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	log.SetLevel(cfg.LogLevel)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
}

func (a *app) pickDevice() *audio.DeviceInfo {
	switch {
	case a.opts.device != "":
		dev, err := audio.FindDevice(a.ac, a.opts.device)
		if err != nil {
			fatalf("%v", err)
		}
		return dev
	case a.opts.setup:
		dev, err := audio.SelectDevice(a.ac)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to the default output monitor")
			return nil
		}
		return dev
	}
	return nil
}

func (a *app) deviceLine() string {
	if a.device != nil {
		return "source: " + a.device.Name
	}
	return "source: default output monitor"
}

func (a *app) modeLine() string {
	source, target := a.pipe.Languages()
	return modeLineText(a.rec.Name(), locale.ToSpeechLocale(source), target, a.coord.Backend())
}

func (a *app) toggle() {
	if err := a.pipe.Toggle(context.Background()); err != nil {
		log.Warnf("toggle: %v", err)
	}
}

func (a *app) copyCaption() (string, error) {
	original, translated := lastCaption(a.engine.Snapshot())
	text, err := clipboard.CopyCaption(original, translated)
	if err != nil {
		log.Warnf("copy caption: %v", err)
		return "", err
	}
	if text != "" {
		log.Info("caption copied")
	}
	return text, nil
}

// saveOverlay persists a moved overlay when a config file is in use.
func (a *app) saveOverlay(o config.Overlay) {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	a.cfg.Overlay = o
	if a.cfgPath == "" {
		log.Info("overlay moved; set SUBTITLE_CONFIG to remember its position")
		return
	}
	if err := a.cfg.Save(a.cfgPath); err != nil {
		log.Warnf("saving overlay position: %v", err)
	}
}

func (a *app) requestQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// run captions until the user quits or a signal arrives.
func (a *app) run() {
	ctx, cancelEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		a.engine.Run(ctx)
		close(engineDone)
	}()

	if a.cfg.HTTPAddr != "" {
		a.web = webcaption.New(a.engine, a.pipe)
		go func() {
			if err := a.web.Listen(a.cfg.HTTPAddr); err != nil {
				log.Errorf("caption feed: %v", err)
				a.engine.Error("caption feed: %v", err)
			}
		}()
	}

	switch {
	case a.opts.tui && !guiMode && !a.opts.test:
		tuiMu.Lock()
		tuiProgram = NewTUIProgram(a.toggle, a.copyCaption)
		tuiMu.Unlock()
		a.sink = tuiSink{}
		go func() {
			if _, err := tuiProgram.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
			}
			a.requestQuit()
		}()
	case guiMode:
		a.sink = nopSink{}
	default:
		a.sink = nopSink{}
		a.lines.setOutput(os.Stdout)
	}

	stopFollow := make(chan struct{})
	go follow(a.engine, a.sink, stopFollow)
	a.sink.ModeLine(a.modeLine())
	a.sink.DeviceLine(a.deviceLine())

	var actions <-chan hotkey.Action
	if !a.opts.test {
		hk := hotkey.New()
		if err := hk.Register(); err != nil {
			log.Warnf("hotkey register error: %v", err)
			a.engine.Warn("global hotkey unavailable: %v", err)
		} else {
			acts := hotkey.NewActions(hk, a.opts.longPress)
			actions = acts.C()
			defer func() {
				acts.Close()
				hk.Unregister()
			}()
		}
	} else {
		go a.driveTest()
	}

	if a.opts.autostart && !a.opts.test {
		go a.toggle()
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)

loop:
	for {
		select {
		case act := <-actions:
			log.Info("hotkey_" + act.String())
			switch act {
			case hotkey.ActionToggle:
				go a.toggle()
			case hotkey.ActionCopy:
				go a.copyCaption()
			}
		case <-sigChan:
			break loop
		case <-a.quit:
			break loop
		}
	}

	a.shutdown(func() {
		close(stopFollow)
		cancelEngine()
		<-engineDone
	})
}

func (a *app) shutdown(stopEngine func()) {
	a.shutdownOnce.Do(func() {
		a.pipe.Stop()
		if a.web != nil {
			if err := a.web.Shutdown(); err != nil {
				log.Warnf("caption feed shutdown: %v", err)
			}
		}
		stopEngine()
		tuiMu.Lock()
		if tuiProgram != nil {
			tuiProgram.Quit()
		}
		tuiMu.Unlock()
		if a.ac != nil {
			a.ac.Close()
		}
		log.Close()
	})
}
