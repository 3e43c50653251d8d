package controllers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/api/interfaces"
	"github.com/am6737/packetguard/api/server"
	"github.com/am6737/packetguard/audit"
	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/host"
	"github.com/am6737/packetguard/rules"
	"github.com/am6737/packetguard/script"
	"github.com/am6737/packetguard/transport/relay"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type ControllersManager struct {
	logger *logrus.Logger
	config *config.Config

	Metrics      metrics.Registry
	Engine       *script.Engine
	Rules        *rules.Registry
	Conns        *host.ConnMap
	Audit        *audit.Dispatcher
	Interception *InterceptionController
	Relay        *relay.Relay
	Admin        *server.Server

	runnables []interfaces.Runnable

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewControllersManager builds every component from the config and loads
// the initial rule set. Rules that fail to compile are reported and left
// out; they do not prevent startup.
func NewControllersManager(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ControllersManager, error) {
	c := &ControllersManager{
		logger:  logger,
		config:  cfg,
		Metrics: metrics.NewRegistry(),
	}

	schema, err := cfg.Schema()
	if err != nil {
		return nil, err
	}
	hostConfig, err := cfg.HostConfig()
	if err != nil {
		return nil, err
	}

	c.Engine = script.NewEngine(cfg.ScriptConfig(), logger, c.Metrics)
	c.Rules = rules.NewRegistry(logger, c.Engine)
	c.Conns = host.NewConnMap(logger, hostConfig)
	c.runnables = append(c.runnables, c.Conns)

	var auditor interfaces.Auditor
	if cfg.Audit.Enabled {
		sink, err := c.auditSink(ctx)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			c.Audit = audit.NewDispatcher(logger, sink, cfg.AuditDispatcherConfig(), c.Metrics)
			c.runnables = append(c.runnables, c.Audit)
			auditor = c.Audit
		}
	}

	c.Interception = NewInterceptionController(logger, c.Rules, c.Engine, schema, c.Conns, auditor, InterceptionConfig{
		Budget: cfg.Budget(),
		Policy: cfg.FailurePolicy(),
	}, c.Metrics)

	report, err := c.ReloadFromConfig()
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		logger.WithField("report", report.String()).Warn("Some rules failed to compile")
	}

	if path := cfg.RulesPath(); path != "" {
		c.runnables = append(c.runnables, config.NewWatcher(logger, path, config.DefaultWatcherConfig(), c.onRulesFileChange))
	}

	if cfg.Admin.Enabled {
		c.Admin = server.NewServer(logger, cfg.Admin.Listen, c.Rules, c, c.Conns, c.Metrics)
		c.runnables = append(c.runnables, c.Admin)
	}

	if cfg.Relay.Enabled {
		c.Relay, err = relay.NewRelay(logger, cfg.RelayConfig(), c.Interception, c.Metrics)
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		c.runnables = append(c.runnables, c.Relay)
	}

	return c, nil
}

func (c *ControllersManager) auditSink(ctx context.Context) (interfaces.AuditSink, error) {
	var sinks audit.MultiSink
	if c.config.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(c.logger))
	}
	if c.config.Audit.Webhook != "" {
		sinks = append(sinks, audit.NewWebhookSink(c.config.Audit.Webhook, c.config.Audit.WebhookTimeout))
	}
	if p := c.config.Persistence; p.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mongo, err := audit.NewMongoSink(connectCtx, p.Url, p.DB, p.Collection)
		if err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
		sinks = append(sinks, mongo)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// ReloadRules publishes a new rule set.
func (c *ControllersManager) ReloadRules(defs []rules.Definition) (*api.ReloadReport, error) {
	return c.Rules.Reload(defs)
}

// ReloadFromConfig re-reads the inline rules and the rules file.
func (c *ControllersManager) ReloadFromConfig() (*api.ReloadReport, error) {
	defs, err := c.config.LoadRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return c.ReloadRules(defs)
}

func (c *ControllersManager) onRulesFileChange() {
	report, err := c.ReloadFromConfig()
	if err != nil {
		// the previous snapshot stays active
		c.logger.WithError(err).Error("Failed to reload rules file")
		return
	}
	if !report.OK() {
		c.logger.WithField("report", report.String()).Warn("Rules file reloaded with failures")
	}
}

// Start runs every component until ctx is done, Stop is called or one of
// them fails.
func (c *ControllersManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range c.runnables {
		r := r
		g.Go(func() error {
			return r.Start(gctx)
		})
	}

	err := g.Wait()
	if err != nil {
		c.logger.WithError(err).Error("Controller failed")
	}
	c.logger.Info("Goodbye")
	return err
}

// Stop signals all components to shut down.
func (c *ControllersManager) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Shutdown blocks until SIGINT or SIGTERM, then stops the manager.
func (c *ControllersManager) Shutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.logger.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
