/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/constellation-daq/constellation/controller"
	constlog "github.com/constellation-daq/constellation/logging"
	"github.com/constellation-daq/constellation/protocol"
)

var (
	flagGroup     string
	flagInterface string
	flagLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run a Constellation controller",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join a group, discover satellites and block serving the group's commands",
	RunE:  run,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Join a group for a short window and print the discovered peers",
	RunE:  list,
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
	rootCmd.PersistentFlags().StringVar(&flagGroup, "group", defaultGroup(), `constellation group to join (default from CNSTLN_GROUP, or "constellation")`)
	rootCmd.PersistentFlags().StringVar(&flagInterface, "interface", "", "network interface for discovery traffic, empty selects all")
	rootCmd.PersistentFlags().StringVar(&flagLevel, "level", "info", "log level: trace, debug, info, warning, status, critical, off")
	rootCmd.AddCommand(runCmd, listCmd)
}

func newController() (*controller.Controller, error) {
	level, err := constlog.ParseLevel(flagLevel)
	if err != nil {
		return nil, err
	}
	constlog.Configure(level)

	c, err := controller.New(controller.Options{
		Group:     flagGroup,
		Interface: flagInterface,
		OnReachedState: func(state protocol.State, isGlobal bool) {
			label := color.GreenString(state.String())
			if !isGlobal {
				label = color.YellowString(state.String())
			}
			log.WithField("group", flagGroup).Infof("controller: reached state %s (global=%v)", label, isGlobal)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("constructing controller: %w", err)
	}
	return c, nil
}

func run(cmd *cobra.Command, args []string) error {
	c, err := newController()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer c.Close()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("controller: sd_notify failed")
	} else if !ok {
		log.Debug("controller: sd_notify not supported, skipping")
	}

	select {}
}

func list(cmd *cobra.Command, args []string) error {
	c, err := newController()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer c.Close()

	time.Sleep(2 * time.Second)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Satellite", "State", "Commands"})
	for _, p := range c.Peers() {
		table.Append([]string{p.CanonicalName, p.State().String(), fmt.Sprintf("%d", len(p.Commands()))})
	}
	table.Render()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
