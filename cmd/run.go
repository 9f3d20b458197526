// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/netshape/internal/api"
	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/config"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/qos"
)

// RunDaemon runs the shaping engine until SIGINT or SIGTERM. SIGHUP
// re-reads the configuration file and reconciles the rule set.
func RunDaemon(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LoggerConfig())
	logging.SetDefault(logger)
	if err := SetProcessName("netshape"); err != nil {
		logger.WithError(err).Debug("could not set process name")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resolver capture.Resolver
	if pr, err := capture.NewProcResolver("", capture.DefaultRefreshInterval, logger.WithComponent("procfs")); err != nil {
		logger.WithError(err).Warn("process matching unavailable")
	} else {
		resolver = pr
	}

	clk := clock.Real{}
	rt, err := buildEngine(cfg, engineOptions{
		clock:      clk,
		controller: qos.NewNetlinkController(logger.WithComponent("qos")),
		resolver:   resolver,
		logger:     logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	eng := rt.engine

	if err := rt.attachAdapters(cfg, clk, logger); err != nil {
		return err
	}
	specs, err := cfg.RuleSpecs()
	if err != nil {
		return err
	}
	if _, err := reconcileRules(eng, specs); err != nil {
		return err
	}
	if err := eng.Metrics().Register(nil); err != nil {
		return errors.Wrap(err, errors.KindInternal, "register metrics")
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	apiErr := make(chan error, 1)
	if cfg.API.Listen != "" {
		srv, err := api.NewServer(api.ServerOptions{Engine: eng, Logger: logger.WithComponent("api")})
		if err != nil {
			return err
		}
		go func() { apiErr <- srv.ListenAndServe(ctx, cfg.API.Listen) }()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("netshape running", "config", configFile, "rules", len(specs), "session", eng.Session())
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return eng.Stop()
		case err := <-apiErr:
			if err != nil {
				logger.WithError(err).Error("api server stopped")
				return err
			}
		case <-hup:
			reload(eng, configFile, logger)
		}
	}
}

// reload re-reads configFile and applies its rules. An invalid file leaves
// the running rules untouched.
func reload(eng ruleEngine, configFile string, logger *logging.Logger) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		logger.WithError(err).Error("reload rejected, keeping current rules")
		return
	}
	specs, err := cfg.RuleSpecs()
	if err != nil {
		logger.WithError(err).Error("reload rejected, keeping current rules")
		return
	}
	res, err := reconcileRules(eng, specs)
	if err != nil {
		logger.WithError(err).Warn("reload applied with errors")
	}
	logger.Info("configuration reloaded", "added", res.Added, "updated", res.Updated,
		"removed", res.Removed, "unchanged", res.Unchanged)
}
