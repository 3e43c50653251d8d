package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/am6737/packetguard/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func check(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	logger.SetLevel(logrus.ErrorLevel)

	_, report, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(out))

	if !report.OK() {
		return fmt.Errorf("%d rule(s) failed to compile", len(report.Failed))
	}
	return nil
}
