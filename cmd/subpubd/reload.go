package main

import (
	"sync"

	"github.com/EchoPBX/subpub/internal/config"
	"github.com/EchoPBX/subpub/internal/httpserver"
	"github.com/EchoPBX/subpub/internal/logging"
	"github.com/EchoPBX/subpub/internal/plugins"
	"github.com/EchoPBX/subpub/pkg/eventbus"
	"go.uber.org/zap"
)

// reloadFunc returns the reload handler. It re-reads the config into a fresh
// value on every call and never touches the config main started with, so it
// is safe to run from the signal and watch goroutines at once.
func reloadFunc(cfgPath string, logger *zap.Logger, level zap.AtomicLevel, srv *httpserver.Server, pluginMgr *plugins.Manager, bus *eventbus.Bus) func() {
	var mu sync.Mutex
	return func() {
		mu.Lock()
		defer mu.Unlock()
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if lvl := newCfg.Logging.Level; lvl != "" && !logging.SetLevel(level, lvl) {
			logger.Warn("unknown log level", zap.String("level", newCfg.Logging.Level))
		}
		if err := srv.Reload(newCfg); err != nil {
			logger.Warn("http reload failed", zap.Error(err))
		}
		pluginMgr.Reload(newCfg.Plugins.Manifest)
		publish(bus, logger, eventReloaded)
		logger.Info("reloaded config and plugins")
	}
}
