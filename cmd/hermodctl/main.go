package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danmuck/hermod/internal/assets"
	"github.com/danmuck/hermod/internal/auth"
	"github.com/danmuck/hermod/internal/authstore"
	"github.com/danmuck/hermod/internal/bridge"
	"github.com/danmuck/hermod/internal/config"
	"github.com/danmuck/hermod/internal/feed"
	"github.com/danmuck/hermod/internal/history"
	"github.com/danmuck/hermod/internal/httpapi"
	"github.com/danmuck/hermod/internal/logging"
	"github.com/danmuck/hermod/internal/observability"
	"github.com/danmuck/hermod/internal/qr"
	"github.com/danmuck/hermod/internal/relay"
	"github.com/danmuck/hermod/internal/transport"
	"github.com/danmuck/hermod/internal/transport/meow"
	"github.com/danmuck/hermod/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config file")
	flag.Parse()

	logging.ConfigureRuntime()
	log := observability.InitLogger("hermodctl")
	observability.RegisterMetrics()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hermodctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "hermodctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "hermodctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	creds, err := authstore.NewFileStore(filepath.Join(cfg.DataDir, "credentials"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	hist, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	hook, err := webhook.New(cfg.Webhook)
	if err != nil {
		return fmt.Errorf("build webhook client: %w", err)
	}
	assetStore := assets.New(cfg.Assets)

	broadcaster := feed.NewBroadcaster(observability.Component(log, "feed"), cfg.CORSOrigins)
	defer broadcaster.Close()

	drivers := transport.NewRegistry()
	meowDriver, err := meow.NewDriver(ctx, meow.Config{
		StorePath: filepath.Join(cfg.DataDir, "devices.db"),
		Log:       observability.Component(log, "meow"),
	})
	if err != nil {
		return fmt.Errorf("open transport driver: %w", err)
	}
	defer meowDriver.Close()
	if err := drivers.Register(meow.DriverID, meowDriver); err != nil {
		return err
	}

	dialer, ok := drivers.Resolve(cfg.Driver)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownDriver, cfg.Driver)
	}
	var directory transport.Directory
	if d, ok := dialer.(transport.Directory); ok {
		directory = d
	}

	rel := relay.New(relay.Deps{
		Directory: directory,
		Webhook:   hook,
		Assets:    assetStore,
		History:   hist,
		Feed:      broadcaster,
		Log:       observability.Component(log, "relay"),
	})

	gw, err := bridge.New(cfg.Session, bridge.Options{
		Dialer:      dialer,
		Credentials: creds,
		Sink:        rel,
		Renderer:    qr.Renderer{},
		Notifier:    newLifecycleNotifier(rel, broadcaster),
		Log:         observability.Component(log, "bridge"),
	})
	if err != nil {
		return err
	}

	var validator auth.Validator = auth.AllowAll()
	if cfg.APIToken != "" {
		validator = auth.StaticToken{Token: cfg.APIToken}
	} else {
		log.Warn().Msg("api token unset, control surface is open")
	}

	api := httpapi.New(httpapi.Config{
		ListenAddr:  cfg.ListenAddr,
		Instance:    cfg.Instance,
		CORSOrigins: cfg.CORSOrigins,
		Validator:   validator,
	}, gw, hist, broadcaster, observability.Component(log, "api"))

	svc := bridge.NewService(gw, observability.Component(log, "service"), cfg.HeartbeatInterval)

	log.Info().
		Str("instance", cfg.Instance).
		Str("listen", cfg.ListenAddr).
		Str("driver", cfg.Driver).
		Msg("gateway starting")

	// Either runner failing stops the other; a clean shutdown is both
	// returning nil once the signal context ends.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- api.Run(runCtx) }()
	go func() { errs <- svc.Run(runCtx) }()

	firstErr := <-errs
	cancel()
	if err := <-errs; firstErr == nil {
		firstErr = err
	}
	log.Info().Msg("gateway stopped")
	return firstErr
}
