package main

import (
	"context"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/golab-fli/exposure"
	"github.com/nasa-jpl/golab-fli/fli"
	"github.com/nasa-jpl/golab-fli/fli/usbscan"
	"github.com/nasa-jpl/golab-fli/generichttp"
	"github.com/nasa-jpl/golab-fli/generichttp/camera"
	"github.com/nasa-jpl/golab-fli/imgrec"
	"github.com/nasa-jpl/golab-fli/server/middleware/locker"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "flihttp.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`

	// Enabled turns recording on at startup
	Enabled bool `yaml:"Enabled"`
}

type config struct {
	Addr               string        `yaml:"Addr"`
	Root               string        `yaml:"Root"`
	Mock               bool          `yaml:"Mock"`
	Debug              bool          `yaml:"Debug"`
	CameraModel        string        `yaml:"CameraModel"`
	CCDModel           string        `yaml:"CCDModel"`
	PollInterval       time.Duration `yaml:"PollInterval"`
	SettleDelay        time.Duration `yaml:"SettleDelay"`
	MinTimeout         time.Duration `yaml:"MinTimeout"`
	CoolOnStart        bool          `yaml:"CoolOnStart"`
	CoolingSetpoint    float64       `yaml:"CoolingSetpoint"`
	CoolingTolerance   float64       `yaml:"CoolingTolerance"`
	CoolingMaxWait     time.Duration `yaml:"CoolingMaxWait"`
	TelemetryPerSecond float64       `yaml:"TelemetryPerSecond"`
	Filters            []string      `yaml:"Filters"`
	Recorder           recorder      `yaml:"Recorder"`
}

func setupconfig() {
	def := fli.DefaultConfig()
	k.Load(structs.Provider(config{
		Addr:               ":8000",
		Root:               "/",
		CameraModel:        def.CameraModel,
		CCDModel:           def.CCDModel,
		PollInterval:       def.PollInterval,
		SettleDelay:        def.SettleDelay,
		MinTimeout:         10 * time.Second,
		CoolingSetpoint:    -20,
		CoolingTolerance:   1,
		CoolingMaxWait:     30 * time.Minute,
		TelemetryPerSecond: 10,
		Filters:            []string{},
		Recorder:           recorder{Prefix: "fli"},
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() config {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func root() {
	str := `flihttp exposes control of Finger Lakes Instrumentation cameras
and filter wheels over HTTP.  This enables a server-client architecture,
and the clients can leverage the excellent HTTP libraries for any
programming language, instead of custom socket logic.

Usage:
	flihttp <command>

Commands:
	run
	help
	mkconf
	conf
	version
	find
	expose <seconds> <file.fits> [binning] [filter]`
	fmt.Println(str)
}

func help() {
	str := `flihttp is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
There is no need to do this unless you want to start from the prepopulated defaults when making
a config file.

Mock: true runs against a simulated camera and filter wheel, for use without hardware
or on a build without libfli (build with -tags libfli to talk to real devices).

Filters names the filters in the wheel in slot order.  When empty, filters are
addressed by slot number ("0", "1", ...).

While an exposure is running, the server answers every hardware route other than
/abort, /status, and /busy with 423 (locked).  POST /lock {"bool": true} holds
the lock until released.

TelemetryPerSecond limits reads of temperature and cooler power; excess requests
get 429.  Zero is unlimited.

find lists FLI devices on the USB bus without opening them through libfli.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("flihttp version %v\n", Version)
}

func newLogger(debug bool) *zap.SugaredLogger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return l.Sugar()
}

func open(cfg config, lg *zap.SugaredLogger) *fli.Camera {
	var (
		lib fli.Library
		err error
	)
	if cfg.Mock {
		slots := len(cfg.Filters)
		if slots == 0 {
			slots = 5
		}
		lib = fli.NewMockLibrary(2048, 2048, slots)
	} else {
		lib, err = fli.NewLibrary()
		if err != nil {
			lg.Fatalw("loading libfli", "err", err)
		}
	}
	cam, err := fli.NewCamera(lib, fli.Config{
		CameraModel:  cfg.CameraModel,
		CCDModel:     cfg.CCDModel,
		Filters:      cfg.Filters,
		PollInterval: cfg.PollInterval,
		SettleDelay:  cfg.SettleDelay,
		MinTimeout:   cfg.MinTimeout,
	}, lg)
	if err != nil {
		lg.Fatalw("opening camera", "err", err)
	}
	return cam
}

func cool(ctx context.Context, cam *fli.Camera, cfg config, lg *zap.SugaredLogger) error {
	if err := cam.StartCooling(cfg.CoolingSetpoint); err != nil {
		return err
	}
	lg.Infow("cooling", "setpoint", cfg.CoolingSetpoint, "tolerance", cfg.CoolingTolerance)
	return cam.WaitTemperature(ctx, cfg.CoolingTolerance, cfg.CoolingMaxWait)
}

func run() {
	cfg := loadconfig()
	lg := newLogger(cfg.Debug)
	defer lg.Sync()
	cam := open(cfg, lg)
	defer cam.Close()

	if cfg.CoolOnStart {
		go func() {
			if err := cool(context.Background(), cam, cfg, lg); err != nil {
				lg.Warnw("camera did not reach its setpoint", "err", err)
				return
			}
			lg.Info("camera is at its setpoint")
		}()
	}

	args := cfg.Recorder
	r := &imgrec.Recorder{Root: args.Root, Prefix: args.Prefix, Enabled: args.Enabled}
	w := fli.NewHTTPWrapper(cam, r, cfg.TelemetryPerSecond)

	lock := locker.New()
	lock.Busy = cam.Busy
	lock.DoNotProtect = append(lock.DoNotProtect,
		"abort", "busy", "status", "endpoints", "exposure-time",
		"info", "binnings", "readout-modes", "features", "metadata", "autowrite")
	locker.Inject(w, lock)

	// clean up the submux string
	hndlrS := cfg.Root
	hndlrS = generichttp.SubMuxSanitize(hndlrS)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	root.Mount(hndlrS, mux)
	w.RT().Bind(mux)
	mux.Get("/endpoints", func(rw http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(rw, w.RT().Endpoints())
	})
	addr := cfg.Addr + cfg.Root
	lg.Infow("now listening for requests", "addr", addr, "camera", cam.String())
	lg.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func find() {
	devs, err := usbscan.ScanUSB()
	for _, d := range devs {
		fmt.Println(d)
	}
	if err != nil {
		log.Fatal(err)
	}
	if len(devs) == 0 {
		fmt.Println("no FLI devices found")
	}
}

func expose(args []string) {
	if len(args) < 2 {
		log.Fatal("usage: flihttp expose <seconds> <file.fits> [binning] [filter]")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		log.Fatalf("exposure time %q is not a number", args[0])
	}
	req := exposure.Request{ExposureTime: secs, Type: "object"}
	if len(args) > 2 {
		req.Binning = args[2]
	}

	cfg := loadconfig()
	lg := newLogger(cfg.Debug)
	defer lg.Sync()
	cam := open(cfg, lg)
	defer cam.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		StopCharacter:     "✓",
		StopMessage:       "done",
		StopFailCharacter: "✗",
		StopFailMessage:   "failed",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	fail := func(err error) {
		spinner.StopFail()
		log.Fatal(err)
	}

	if len(args) > 3 {
		spinner.Message("moving filter wheel to " + args[3])
		if err = cam.SetFilter(args[3]); err != nil {
			fail(err)
		}
	}
	if cfg.CoolOnStart {
		spinner.Message(fmt.Sprintf("cooling to %.1f C", cfg.CoolingSetpoint))
		if err = cool(context.Background(), cam, cfg, lg); err != nil {
			fail(err)
		}
	}
	cam.SetHooks(exposure.Hooks{
		ExposeBegin: func(r exposure.Request) {
			spinner.Message(fmt.Sprintf("exposing for %d s", r.Seconds()))
		},
		ReadoutBegin: func(exposure.Request) {
			spinner.Message("reading out")
		},
	})

	sess, err := cam.Expose(context.Background(), req)
	if err != nil {
		fail(err)
	}
	frame, err := cam.Readout(context.Background(), sess)
	if err != nil {
		fail(err)
	}
	f, err := os.Create(args[1])
	if err != nil {
		fail(err)
	}
	defer f.Close()
	cards := append(frame.Cards(), cam.CollectHeaderMetadata()...)
	if err = camera.WriteFits(f, cards, []*image.Gray16{frame.Image}); err != nil {
		fail(err)
	}
	spinner.StopMessage("wrote " + args[1])
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	case "find":
		find()
		return
	case "expose":
		expose(args[2:])
		return
	default:
		log.Fatal("unknown command")
	}
}
