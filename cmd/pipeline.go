package cmd

import (
	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/controllers"
	"github.com/am6737/packetguard/host"
	"github.com/am6737/packetguard/rules"
	"github.com/am6737/packetguard/script"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// pipeline is the offline subset of the controllers: no audit sinks, no
// listeners.
type pipeline struct {
	rules *rules.Registry
	conns *host.ConnMap
	ic    *controllers.InterceptionController
}

func newPipeline(cfg *config.Config, logger *logrus.Logger) (*pipeline, *api.ReloadReport, error) {
	schema, err := cfg.Schema()
	if err != nil {
		return nil, nil, err
	}
	hostConfig, err := cfg.HostConfig()
	if err != nil {
		return nil, nil, err
	}
	defs, err := cfg.LoadRules()
	if err != nil {
		return nil, nil, err
	}

	registry := metrics.NewRegistry()
	engine := script.NewEngine(cfg.ScriptConfig(), logger, registry)
	p := &pipeline{
		rules: rules.NewRegistry(logger, engine),
		conns: host.NewConnMap(logger, hostConfig),
	}
	report, err := p.rules.Reload(defs)
	if err != nil {
		return nil, nil, err
	}
	p.ic = controllers.NewInterceptionController(logger, p.rules, engine, schema, p.conns, nil, controllers.InterceptionConfig{
		Budget: cfg.Budget(),
		Policy: cfg.FailurePolicy(),
	}, registry)
	return p, report, nil
}
