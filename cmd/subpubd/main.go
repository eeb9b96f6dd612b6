package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoPBX/subpub/internal/config"
	"github.com/EchoPBX/subpub/internal/httpserver"
	"github.com/EchoPBX/subpub/internal/logging"
	"github.com/EchoPBX/subpub/internal/metrics"
	"github.com/EchoPBX/subpub/internal/plugins"
	"github.com/EchoPBX/subpub/internal/reloader"
	"github.com/EchoPBX/subpub/internal/trace"
	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Lifecycle events published by the daemon. Plugins subscribe OnStarted,
// OnReloaded and OnStopping to receive them.
const (
	eventStarted  = "started"
	eventReloaded = "reloaded"
	eventStopping = "stopping"
)

func main() {
	cfgPath := config.Path()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	logger, level := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	// Banner
	fmt.Println(`
            _                   _
  ___ _   _| |__  _ __  _   _| |__
 / __| | | | '_ \| '_ \| | | | '_ \
 \__ \ |_| | |_) | |_) | |_| | |_) |
 |___/\__,_|_.__/| .__/ \__,_|_.__/
                 |_|
subpubd - in-process event dispatcher host
------------------------------------------
Config:  ` + cfgPath + `
`)

	refs := tracker.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, refs)
	feed := trace.NewFeed()

	bus := eventbus.New(refs,
		eventbus.WithLogger(logger.Named("bus")),
		eventbus.WithPrefix(cfg.Bus.HandlerPrefix),
		eventbus.WithHook(feed.Observe),
		eventbus.WithHook(m.Observe),
	)

	pluginMgr := plugins.NewManager(logger.Named("plugins"), bus, refs)
	if err := pluginMgr.LoadManifest(cfg.Plugins.Manifest); err != nil {
		logger.Warn("plugin manifest", zap.String("path", cfg.Plugins.Manifest), zap.Error(err))
	}

	srv, err := httpserver.New(cfg, logger.Named("http"), bus, feed, reg)
	if err != nil {
		logger.Fatal("http server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracker.CompactInterval > 0 {
		go refs.CompactEvery(ctx, cfg.Tracker.CompactInterval, func(n int) {
			m.Compacted(n)
			if n > 0 {
				logger.Debug("tracker compacted", zap.Int("removed", n))
			}
		})
	}

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		tls := cfg.HTTP.TLS
		go func() {
			var err error
			if tls.Enabled {
				err = httpSrv.ListenAndServeTLS(tls.Cert, tls.Key)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http", zap.Error(err))
			}
		}()
		logger.Info("http listening", zap.String("addr", httpSrv.Addr), zap.Bool("tls", tls.Enabled))
	}

	// SIGHUP and file changes both land here. Listener and TLS changes need a
	// restart.
	reload := reloadFunc(cfgPath, logger, level, srv, pluginMgr, bus)
	reloader.OnSIGHUP(ctx, reload)
	if err := reloader.Watch(ctx, cfgPath, logger.Named("reloader"), reload); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	publish(bus, logger, eventStarted)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	publish(bus, logger, eventStopping)
	cancel()

	if httpSrv != nil {
		ctxTimeout, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctxTimeout)
	}
	if err := pluginMgr.Shutdown(); err != nil {
		logger.Warn("plugin shutdown", zap.Error(err))
	}
	logger.Info("bye")
}

// publish sends a lifecycle event. Nobody subscribing to it is not an error.
func publish(bus *eventbus.Bus, log *zap.Logger, event string) {
	err := bus.Publish(event)
	if err != nil && !errors.Is(err, eventbus.ErrEventNotFound) {
		log.Warn("lifecycle event", zap.String("event", event), zap.Error(err))
	}
}
