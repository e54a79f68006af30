package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/api"
	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
	"github.com/flowpbx/sbc-outbound/internal/config"
	"github.com/flowpbx/sbc-outbound/internal/database"
	"github.com/flowpbx/sbc-outbound/internal/metrics"
	"github.com/flowpbx/sbc-outbound/internal/pgstore"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/flowpbx/sbc-outbound/internal/routing"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
	sipserver "github.com/flowpbx/sbc-outbound/internal/sip"
	"github.com/flowpbx/sbc-outbound/internal/sysinfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sbc-outbound exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The level can be changed at runtime by the system information refresh.
	var level slog.LevelVar
	level.Set(cfg.SlogLevel())
	logger := slog.New(cfg.SlogHandler(os.Stdout, &level))
	slog.SetDefault(logger)

	slog.Info("starting sbc-outbound",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	accounts := database.NewAccountRepository(db)
	var (
		cdrs   callsession.CDRWriter   = database.NewCDRRepository(db)
		alerts callsession.AlertWriter = database.NewAlertRepository(db)
	)
	if cfg.CDRPostgresDSN != "" {
		pg, err := pgstore.New(cfg.CDRPostgresDSN)
		if err != nil {
			return fmt.Errorf("opening cdr store: %w", err)
		}
		defer pg.Close()
		cdrs, alerts = pg, pg
		slog.Info("writing cdrs to postgres")
	}

	rdb, err := cache.New(appCtx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	dtmf, err := rtpengine.ListenDTMF(cfg.DTMFListenAddr, logger)
	if err != nil {
		return fmt.Errorf("listening for relay dtmf events: %w", err)
	}
	defer dtmf.Close()

	pool, err := rtpengine.NewPool(appCtx, rtpengine.PoolConfig{
		Hosts:           cfg.Relays(),
		DNSName:         cfg.RelayDNSName,
		Port:            cfg.RelayPort,
		RefreshInterval: cfg.RelayRefresh,
		Timeout:         cfg.RelayTimeout,
	}, dtmf, logger)
	if err != nil {
		return fmt.Errorf("building relay pool: %w", err)
	}
	defer pool.Close()
	go pool.Run(appCtx)

	networks, err := cfg.PrivateNetworks()
	if err != nil {
		return err
	}
	classifier := routing.NewClassifier(networks, logger)
	resolver := routing.NewResolver(database.NewCarrierRepository(db), accounts, rdb, rdb, classifier,
		routing.Options{
			LocalAddresses: cfg.LocalSBCAddresses(),
			BestEffortTLS:  cfg.BestEffortTLS,
		}, logger)

	refresher := sysinfo.NewRefresher(database.NewSystemInfoRepository(db), database.NewTeamsRepository(db),
		classifier, &level, logger)
	if err := refresher.Refresh(appCtx); err != nil {
		slog.Warn("initial system information load failed", "error", err)
	}
	go refresher.Run(appCtx, cfg.SystemInfoRefresh)

	admission := callsession.NewAdmission(accounts, rdb, alerts, callsession.AdmissionOptions{
		TrackAccount:         cfg.TrackAccountCalls,
		TrackServiceProvider: cfg.TrackSPCalls,
		TrackApplication:     cfg.TrackAppCalls,
		MinCallLimit:         cfg.MinCallLimit,
	}, logger)

	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(pool, sipSrv.Dialogs(), time.Now()),
	)

	rt := callsession.NewRuntime(callsession.Deps{
		Admission:  admission,
		Resolver:   resolver,
		Relays:     relayPool{pool},
		Transport:  sipSrv.Dialer(),
		Invites:    rdb,
		CDRs:       cdrs,
		Recordings: recording.NewService(sipserver.NewRecordingDialer(sipSrv.Dialer(), "sbc-outbound"), logger),
		Metrics:    metrics.NewCalls(reg),
	}, callsession.Options{
		PublicAddress:    cfg.PublicAddress,
		CodecOrder:       cfg.Codecs(),
		MediaSecurity:    cfg.MediaSecurity,
		RecordingTimeout: cfg.RecordingTimeout,
	}, logger)

	if err := sipSrv.Start(appCtx, rt); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(rt.Registry(), sipSrv, reg, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	sipSrv.Drain()
	drain(rt.Registry(), cfg.DrainTimeout, quit)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, s := range rt.Registry().Sessions() {
		s.Hangup(ctx)
	}

	slog.Info("shutting down servers")
	sipSrv.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	slog.Info("sbc-outbound stopped")
	return nil
}

// drain waits until no calls are active. It gives up after timeout (zero
// waits forever) or when a second signal arrives.
func drain(registry *callsession.Registry, timeout time.Duration, quit <-chan os.Signal) {
	active := registry.Count()
	if active == 0 {
		return
	}
	slog.Info("waiting for active calls to end", "active_calls", active, "timeout", timeout)

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-registry.Idle():
		slog.Info("all calls ended")
	case <-expired:
		slog.Warn("drain timeout reached", "active_calls", registry.Count())
	case sig := <-quit:
		slog.Warn("second signal received, hanging up remaining calls",
			"signal", sig.String(), "active_calls", registry.Count())
	}
}

// relayPool narrows *rtpengine.Pool to callsession.RelayPool.
type relayPool struct {
	pool *rtpengine.Pool
}

func (p relayPool) Acquire() (callsession.Relay, bool) {
	r, ok := p.pool.Acquire()
	if !ok {
		return nil, false
	}
	return r, true
}
