package cmd

import (
	"github.com/urfave/cli/v2"
)

const VERSION = "v1.0.0"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "config file path",
	Value:   "config.yaml",
}

var App = &cli.App{
	Name:    "packetguard",
	Usage:   "scriptable packet interception for game servers",
	Version: VERSION,
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "start the interception pipeline, admin api and relay",
			Flags:  []cli.Flag{configFlag},
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "compile the configured rules and print the reload report",
			Flags:  []cli.Flag{configFlag},
			Action: check,
		},
		{
			Name:  "replay",
			Usage: "feed a pcap capture through the pipeline",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:     "pcap",
					Usage:    "capture to replay",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "out",
					Usage: "write the delivered packets to this pcap file",
				},
			},
			Action: replay,
		},
		{
			Name:  "reload",
			Usage: "push a rules file to a running instance",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "server",
					Usage: "admin api address",
					Value: "127.0.0.1:7780",
				},
				&cli.StringFlag{
					Name:  "rules",
					Usage: "rules file; empty re-reads the server's own rules file",
				},
			},
			Action: reload,
		},
		{
			Name:   "template",
			Usage:  "print a default config",
			Action: template,
		},
	},
}
