// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command imrsimctl is a demonstration inspector for the IMR simulator
// core. It attaches to a backing file and issues Control Surface
// opcodes as subcommands; it is not a model of the out-of-scope
// external control-utility protocol, only a real caller exercising the
// in-process Control Surface API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yigexintaibuhaoderen/IMRSim"
)

var backingFile string

func main() {
	root := &cobra.Command{
		Use:   "imrsimctl",
		Short: "Inspect and control an IMR simulator backing file",
	}
	root.PersistentFlags().StringVar(&backingFile, "file", "", "backing file path")
	root.MarkPersistentFlagRequired("file")

	root.AddCommand(statsCmd(), queryCmd(), resetZoneCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func attach() (*imrsim.Simulator, error) {
	logger, _ := zap.NewProduction()
	const numZones = 4
	size := numZones*uint64(imrsim.ZoneSectors) + imrsim.ReservedRegionSectors(numZones)
	dev, err := imrsim.OpenFileBlockDevice(backingFile, size)
	if err != nil {
		return nil, err
	}
	return imrsim.Attach(context.Background(), dev, imrsim.Options{Logger: logger})
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate and per-zone statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := attach()
			if err != nil {
				return err
			}
			agg, zones := sim.Control.GetStats()
			fmt.Printf("write_total=%d extra_write_total=%d idle_min=%ds idle_max=%ds\n",
				agg.WriteTotal, agg.ExtraWriteTotal, agg.IdleTimeMinSeconds, agg.IdleTimeMaxSeconds)
			for i, zs := range zones {
				fmt.Printf("zone[%d] write_total=%d extra_write_total=%d\n", i, zs.WriteTotal, zs.ExtraWriteTotal)
			}
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	var start, num uint32
	var criteria int32
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query zones by criterion",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := attach()
			if err != nil {
				return err
			}
			zones := sim.Control.Query(imrsim.QueryRequest{
				StartZone: start, NumZones: num, Criteria: imrsim.ZoneMatchCriteria(criteria),
			})
			for _, zs := range zones {
				fmt.Printf("zone[%d] cond=%d map_size=%d\n", zs.Index, zs.Cond, zs.MapSize())
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&start, "start", 0, "starting zone index")
	cmd.Flags().Uint32Var(&num, "num", 16, "max zones to return")
	cmd.Flags().Int32Var(&criteria, "criteria", 0, "match criterion (0=all, -1=full, -2=not-full, -3=free, -4=read-only, -5=offline, N>0=consecutive)")
	return cmd
}

func resetZoneCmd() *cobra.Command {
	var lba uint64
	cmd := &cobra.Command{
		Use:   "reset-zone",
		Short: "Reset the zone containing the given LBA",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := attach()
			if err != nil {
				return err
			}
			return sim.Control.ResetZone(lba)
		},
	}
	cmd.Flags().Uint64Var(&lba, "lba", 0, "LBA within the zone to reset")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the current device configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := attach()
			if err != nil {
				return err
			}
			cfg := sim.Control.GetDevConfig()
			fmt.Printf("phase=%d read_penalty_us=%d write_penalty_us=%d log_enabled=%v\n",
				cfg.Phase, cfg.ReadPenaltyMicros, cfg.WritePenaltyMicros, cfg.LogEnabled)
			return nil
		},
	}
}
