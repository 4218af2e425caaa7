package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/ums-tally/internal/capture"
	"github.com/zombor/ums-tally/internal/device"
	"github.com/zombor/ums-tally/internal/layout"
	"github.com/zombor/ums-tally/internal/notify"
	"github.com/zombor/ums-tally/internal/scanning"
	"github.com/zombor/ums-tally/internal/tally"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// config holds every flag value
type config struct {
	logLevel string

	layoutPath  string
	adbPath     string
	serial      string
	adbTimeout  int
	appPackage  string
	appActivity string
	deviceDir   string
	workDir     string

	ocr         string
	tesseract   string
	tessLang    string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string

	dingTalkWebhook string
	dingTalkSecret  string
	telegramToken   string
	telegramChat    string

	dbPath         string
	screenshotsDir string

	port     int
	authUser string
	authPass string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	var cfg config
	rootFlags := ff.NewFlagSet("ums-tally")
	rootFlags.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	rootFlags.StringVar(&cfg.layoutPath, 0, "layout", "", "Layout YAML file (built-in layout when empty)")
	rootFlags.StringVar(&cfg.adbPath, 0, "adb", "adb", "Path to the adb binary")
	rootFlags.StringVar(&cfg.serial, 0, "serial", "", "Device serial (only needed with several devices attached)")
	rootFlags.IntVar(&cfg.adbTimeout, 0, "adb-timeout", 30, "Timeout in seconds for a single adb command")
	rootFlags.StringVar(&cfg.appPackage, 0, "package", "com.chinaums.onlineservice", "App package to launch")
	rootFlags.StringVar(&cfg.appActivity, 0, "activity", "com.chinaums.onlineservice.ui.index.SplashActivity", "App launch activity")
	rootFlags.StringVar(&cfg.deviceDir, 0, "device-dir", "/storage/emulated/0/ums/screenshot", "Screenshot directory on the device")
	rootFlags.StringVar(&cfg.workDir, 0, "work-dir", ".", "Directory for the working screenshot and debug crop")
	rootFlags.StringVar(&cfg.ocr, 0, "ocr", "tesseract", "OCR engine: tesseract, gemini or ollama")
	rootFlags.StringVar(&cfg.tesseract, 0, "tesseract", "tesseract", "Path to the tesseract binary")
	rootFlags.StringVar(&cfg.tessLang, 0, "tesseract-lang", "eng", "Tesseract language")
	rootFlags.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	rootFlags.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	rootFlags.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	rootFlags.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llava", "Ollama model name")
	rootFlags.StringVar(&cfg.dingTalkWebhook, 0, "dingtalk-webhook", "", "DingTalk robot webhook URL")
	rootFlags.StringVar(&cfg.dingTalkSecret, 0, "dingtalk-secret", "", "DingTalk robot signing secret")
	rootFlags.StringVar(&cfg.telegramToken, 0, "telegram-token", "", "Telegram bot token (optional)")
	rootFlags.StringVar(&cfg.telegramChat, 0, "telegram-chat", "", "Telegram chat ID (optional)")
	rootFlags.StringVar(&cfg.dbPath, 0, "db", "ums-tally.db", "Run history database file path")
	rootFlags.StringVar(&cfg.screenshotsDir, 0, "screenshots", "screenshots", "Screenshot archive directory")
	rootFlags.BoolLong("version", "Show version information")

	rootCmd := &ff.Command{
		Name:      "ums-tally",
		Usage:     "ums-tally [FLAGS] [run | recognize <image> | serve]",
		ShortHelp: "scan the collection codes and send the daily tally",
		Flags:     rootFlags,
		Exec: func(ctx context.Context, args []string) error {
			return runOnce(ctx, cfg)
		},
	}

	runCmd := &ff.Command{
		Name:      "run",
		Usage:     "ums-tally run [FLAGS]",
		ShortHelp: "scan every target once and send the report (default)",
		Flags:     ff.NewFlagSet("run").SetParent(rootFlags),
		Exec: func(ctx context.Context, args []string) error {
			return runOnce(ctx, cfg)
		},
	}

	recognizeCmd := &ff.Command{
		Name:      "recognize",
		Usage:     "ums-tally recognize [FLAGS] <image>",
		ShortHelp: "read the amount from a saved screenshot",
		Flags:     ff.NewFlagSet("recognize").SetParent(rootFlags),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("recognize requires exactly one image path")
			}
			return recognize(ctx, cfg, args[0])
		},
	}

	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	serveFlags.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	serveFlags.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	serveFlags.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	serveCmd := &ff.Command{
		Name:      "serve",
		Usage:     "ums-tally serve [FLAGS]",
		ShortHelp: "serve the run history API and trigger runs over HTTP",
		Flags:     serveFlags,
		Exec: func(ctx context.Context, args []string) error {
			return serve(ctx, cfg)
		},
	}

	rootCmd.Subcommands = []*ff.Command{runCmd, recognizeCmd, serveCmd}

	if err := rootCmd.Parse(os.Args[1:], ff.WithEnvVarPrefix("UMS_TALLY")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(rootCmd.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.Run(ctx); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// runOnce performs a single run. Any error or panic before the report is
// sent is delivered as a failure message. A run that panics reports itself.
func runOnce(ctx context.Context, cfg config) (err error) {
	notifier := newNotifier(cfg)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && !errors.Is(err, tally.ErrRunAborted) {
			tally.ReportFailure(ctx, notifier, err)
		}
	}()

	svc, cleanup, err := newService(cfg, notifier)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := svc.Run(ctx)
	if err != nil {
		if run != nil {
			// The report already went out; only the history is missing.
			slog.Error("Failed to store run", "error", err)
			return nil
		}
		return err
	}
	fmt.Println(run.Report)
	return nil
}

func serve(ctx context.Context, cfg config) error {
	svc, cleanup, err := newService(cfg, newNotifier(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	server := tally.NewServer(svc, tally.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", cfg.port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "targets", len(svc.Targets()))
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down...")
		return nil
	}
}

func recognize(ctx context.Context, cfg config, imagePath string) error {
	l, err := layout.Load(cfg.layoutPath)
	if err != nil {
		return err
	}
	engine := newEngine(cfg)
	defer engine.Close()

	recognizer := scanning.NewRecognizer(engine, l.AmountRegion.Image(), l.Contrast, filepath.Join(cfg.workDir, "temp_cropped.png"))
	reading, err := recognizer.Read(ctx, imagePath)
	if err != nil {
		return err
	}
	slog.Info("Recognized", "raw", reading.Raw, "cleaned", reading.Cleaned, "found", reading.Found)
	fmt.Println(tally.FormatAmount(reading.Amount))
	return nil
}

// newService wires the device, capture, OCR, archive and history layers.
// The returned cleanup closes the database and the OCR engine.
func newService(cfg config, notifier notify.Notifier) (*tally.Service, func(), error) {
	l, err := layout.Load(cfg.layoutPath)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Initializing database...", "path", cfg.dbPath)
	db, err := tally.NewBoltDB(cfg.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}

	store, err := tally.NewLocalStorage(cfg.screenshotsDir)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}

	adb := device.NewADB(cfg.adbPath, cfg.serial, time.Duration(cfg.adbTimeout)*time.Second)
	controller := device.NewController(adb, l.TapSettle(), device.Sleep)
	acquirer := capture.NewAcquirer(controller, capture.Config{
		DeviceDir: cfg.deviceDir,
		LocalPath: filepath.Join(cfg.workDir, "temp_screenshot.png"),
		Backoff:   l.RetryBackoff(),
	}, device.Sleep)

	engine := newEngine(cfg)
	recognizer := scanning.NewRecognizer(engine, l.AmountRegion.Image(), l.Contrast, filepath.Join(cfg.workDir, "temp_cropped.png"))

	svc := tally.NewService(tally.Deps{
		DB:        db,
		Sequencer: tally.NewSequencer(controller, acquirer, recognizer, store, l),
		Preparer:  acquirer,
		Launcher:  controller,
		Notifier:  notifier,
		Storage:   store,
	}, tally.App{
		Package:   cfg.appPackage,
		Activity:  cfg.appActivity,
		StartWait: l.AppStart(),
	}, tally.TargetsFrom(l))

	cleanup := func() {
		engine.Close()
		db.Close()
	}
	return svc, cleanup, nil
}

// newEngine returns an engine that is built on first use
func newEngine(cfg config) *scanning.Lazy {
	return scanning.NewLazy(func() (scanning.Engine, error) {
		switch cfg.ocr {
		case "tesseract":
			slog.Info("Initializing tesseract...", "path", cfg.tesseract, "lang", cfg.tessLang)
			return scanning.NewTesseract(cfg.tesseract, cfg.tessLang)
		case "gemini":
			// Get Gemini API key from flag or environment
			apiKey := cfg.geminiKey
			if apiKey == "" {
				apiKey = os.Getenv("GEMINI_API_KEY")
			}
			slog.Info("Initializing Gemini...", "model", cfg.geminiModel)
			return scanning.NewGemini(apiKey, cfg.geminiModel)
		case "ollama":
			slog.Info("Initializing Ollama...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
			return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		default:
			return nil, fmt.Errorf("invalid ocr engine %q: want tesseract, gemini or ollama", cfg.ocr)
		}
	})
}

// newNotifier returns every configured notifier. Misconfigured channels
// are logged and left out.
func newNotifier(cfg config) notify.Notifier {
	var notifiers notify.Multi

	if cfg.dingTalkWebhook != "" {
		d, err := notify.NewDingTalk(cfg.dingTalkWebhook, cfg.dingTalkSecret)
		if err != nil {
			slog.Error("Failed to initialize DingTalk", "error", err)
		} else {
			notifiers = append(notifiers, d)
		}
	}

	if cfg.telegramToken != "" {
		chatID, err := strconv.ParseInt(cfg.telegramChat, 10, 64)
		if err != nil {
			slog.Error("Invalid Telegram chat ID", "chat", cfg.telegramChat, "error", err)
		} else if t, err := notify.NewTelegram(cfg.telegramToken, chatID); err != nil {
			slog.Error("Failed to initialize Telegram", "error", err)
		} else {
			notifiers = append(notifiers, t)
		}
	}

	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}
