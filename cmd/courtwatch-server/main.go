package main

import (
	"context"
	"flag"
	"log/slog"

	"courtwatch-backend/internal/events"
	"courtwatch-backend/internal/notify"
	"courtwatch-backend/internal/orchestrator"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/internal/stepper"
	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/configutil"
	"courtwatch-backend/lib/serviceutil"
	"courtwatch-backend/lib/telemetry"
	"courtwatch-backend/services/scrapeservice"

	"connectrpc.com/connect"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	scrapeOnStart := flag.Bool("scrape", false, "Scrape every tracked case once at startup.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	telemetry.InitSlog(*verbose)
	err := telemetry.SetupFromEnv(ctx, "courtwatch-server")
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
	}
	defer telemetry.Shutdown(context.Background())
	telemetry.InstrumentPerfStats(ctx)

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	profile := portal.DefaultProfile()
	err = profile.Merge(cfg.Portal)
	if err != nil {
		serviceutil.Fatal("merge portal profile", err)
	}
	p, err := portal.New(profile)
	if err != nil {
		serviceutil.Fatal("compile portal profile", err)
	}
	clock := chrono.NewStandardTime(p.Location())
	tel := telemetry.SlogAPI{}

	store, err := cfg.Store.Open(ctx)
	if err != nil {
		serviceutil.Fatal("open case store", err)
	}
	defer store.Close()

	driver, err := cfg.Browser.Open(ctx, *verbose)
	if err != nil {
		serviceutil.Fatal("open browser driver", err)
	}
	defer driver.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS != nil {
		publisher, err = events.NewNATSPublisher(*cfg.NATS)
		if err != nil {
			serviceutil.Fatal("connect to nats", err)
		}
	}
	defer publisher.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Email != nil {
		notifier = notify.NewEmailNotifier(*cfg.Email, p.Location())
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Driver:    driver,
		Machine:   stepper.NewMachine(p, clock, tel, cfg.Step.Options()),
		Store:     store,
		Publisher: publisher,
		Notifier:  notifier,
		Time:      clock,
		Tel:       tel,
	}, cfg.Orchestrator.Options(profile.EntryURL))
	if err != nil {
		serviceutil.Fatal("create orchestrator", err)
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		orch.Run(ctx)
	}()

	scrapeAll := func() {
		n, err := orch.RequestScrapeAll(ctx)
		if err != nil {
			slog.Warn("scrape all", "err", err, "requested", n)
			return
		}
		slog.Info("scrape all", "requested", n)
	}
	if *scrapeOnStart {
		go scrapeAll()
	}
	if cfg.ScrapeSchedule != "" {
		cron := chrono.NewStandardCron(tel, p.Location())
		defer cron.Stop()
		err = cron.Cron(cfg.ScrapeSchedule, scrapeAll)
		if err != nil {
			serviceutil.Fatal("schedule scrape all", err)
		}
	}

	otelInterceptor, err := serviceutil.NewConnectOtelInterceptor()
	if err != nil {
		serviceutil.Fatal("init otel interceptor", err)
	}
	service := scrapeservice.NewService(orch, store, p, tel)
	prefix, handler := service.Handler(connect.WithInterceptors(
		otelInterceptor,
		serviceutil.VerifyAccessTokenInterceptor(cfg.AccessToken),
	))
	router := serviceutil.NewRouter()
	serviceutil.Mount(router, prefix, handler)

	port := cfg.Port
	if port == 0 {
		port = 8000
	}
	err = serviceutil.StartHttpServer(ctx, port, router)
	if err != nil {
		serviceutil.Fatal("http server", err)
	}
	<-stopped
}
