package cmd

import (
	"fmt"
	"os"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/transport/pcap"
	"github.com/urfave/cli/v2"
)

func replay(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	p, report, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	if !report.OK() {
		logger.WithField("report", report.String()).Warn("Some rules failed to compile")
	}

	in, err := os.Open(c.String("pcap"))
	if err != nil {
		return err
	}
	defer in.Close()
	records, err := pcap.Read(in)
	if err != nil {
		return fmt.Errorf("could not read capture: %w", err)
	}

	var writer *pcap.Writer
	if path := c.String("out"); path != "" {
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		defer out.Close()
		if writer, err = pcap.NewWriter(out); err != nil {
			return err
		}
	}

	counts := map[api.Disposition]int{}
	w := c.App.Writer
	for i, r := range records {
		res := p.ic.Handle(c.Context, r.Direction, r.TypeID, r.Data, r.ConnectionID)
		counts[res.Disposition]++

		rule := res.RuleID
		if rule == "" {
			rule = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\trule=%s\texecutions=%d\n",
			i, r.ConnectionID, r.Direction, r.TypeID, res.Disposition, rule, res.Executions)

		if writer != nil && res.Deliver() {
			r.Data = res.Bytes
			if err := writer.Write(r); err != nil {
				return err
			}
		}
	}

	fmt.Fprintf(w, "packets=%d allowed=%d modified=%d dropped=%d failed=%d\n",
		len(records), counts[api.Allowed], counts[api.Modified], counts[api.Dropped], counts[api.Failed])
	return nil
}
