package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/device"
	"github.com/fxnlabs/computedevice/internal/status"
)

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the devices, their memory and kernel state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the report as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log := metadata(c)
			m, err := openManager(cfg, log)
			if err != nil {
				return err
			}
			defer m.Close()

			infos, err := m.Info()
			if err != nil {
				log.Warn("Some devices could not be queried", zap.Error(err))
			}
			if c.Bool("json") {
				return writeInfoJSON(c.App.Writer, m.DriverName(), infos, err)
			}
			renderInfo(c.App.Writer, m.DriverName(), infos)
			return nil
		},
	}
}

func writeInfoJSON(w io.Writer, driverName string, infos []device.Info, queryErr error) error {
	resp := status.DevicesResponse{Driver: driverName, Devices: infos}
	if queryErr != nil {
		resp.Error = queryErr.Error()
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderInfo(w io.Writer, driverName string, infos []device.Info) {
	fmt.Fprint(w, figure.NewFigure("computedevice", "", true).String())
	fmt.Fprintf(w, "\nDriver: %s, %d device(s)\n\n", driverName, len(infos))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDINAL\tNAME\tCAPABILITY\tSMS\tMEMORY\tFREE\tHOST MAPPED\tKERNELS\tSTATUS")
	for _, info := range infos {
		state := "ok"
		if info.Error != "" {
			state = info.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s / %s\t%t\t%s\n",
			info.Ordinal,
			info.Name,
			info.ComputeCapability,
			info.Multiprocessors,
			humanize.IBytes(info.TotalMemory),
			humanize.IBytes(info.FreeMemory),
			humanize.IBytes(info.HostMemoryUsed),
			humanize.IBytes(info.HostMemoryLimit),
			info.KernelsLoaded,
			state,
		)
	}
	tw.Flush()
}
