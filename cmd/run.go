package cmd

import (
	"os"

	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/controllers"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func newLogger(c config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stdout

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}
	return logger
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx := c.Context
	ctrl, err := controllers.NewControllersManager(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return err
	}
	go ctrl.Shutdown()

	return ctrl.Start(ctx)
}
