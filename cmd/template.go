package cmd

import (
	"fmt"

	"github.com/am6737/packetguard/config"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func template(c *cli.Context) error {
	out, err := yaml.Marshal(config.GenerateConfigTemplate())
	if err != nil {
		return err
	}
	fmt.Fprint(c.App.Writer, string(out))
	return nil
}
