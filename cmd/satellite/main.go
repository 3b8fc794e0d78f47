/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package main

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	constlog "github.com/constellation-daq/constellation/logging"
	"github.com/constellation-daq/constellation/satellite"
)

var (
	flagType      string
	flagName      string
	flagGroup     string
	flagInterface string
	flagLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "satellite",
	Short: "Run a Constellation satellite",
	RunE:  run,
}

// defaultGroupName is the constellation group joined when neither --group
// nor CNSTLN_GROUP is set.
const defaultGroupName = "constellation"

func defaultGroup() string {
	if g := os.Getenv("CNSTLN_GROUP"); g != "" {
		return g
	}
	return defaultGroupName
}

func init() {
	rootCmd.Flags().StringVar(&flagType, "type", "Generic", "satellite type, the first component of its canonical name")
	rootCmd.Flags().StringVar(&flagName, "name", "", "satellite instance name, the second component of its canonical name")
	rootCmd.Flags().StringVar(&flagGroup, "group", defaultGroup(), `constellation group to join (default from CNSTLN_GROUP, or "constellation")`)
	rootCmd.Flags().StringVar(&flagInterface, "interface", "", "network interface for discovery traffic, empty selects all")
	rootCmd.Flags().StringVar(&flagLevel, "level", "info", "log level: trace, debug, info, warning, status, critical, off")
}

func run(cmd *cobra.Command, args []string) error {
	level, err := constlog.ParseLevel(flagLevel)
	if err != nil {
		return err
	}
	constlog.Configure(level)

	if flagName == "" {
		return fmt.Errorf("satellite: --name is required")
	}

	s, err := satellite.New(satellite.Options{
		Type:      flagType,
		Name:      flagName,
		Group:     flagGroup,
		Interface: flagInterface,
		Hooks:     satellite.Hooks{},
	})
	if err != nil {
		return fmt.Errorf("constructing satellite: %w", err)
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("starting satellite: %w", err)
	}
	defer s.Stop()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("satellite: sd_notify failed")
	} else if !ok {
		log.Debug("satellite: sd_notify not supported, skipping")
	}

	select {}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
