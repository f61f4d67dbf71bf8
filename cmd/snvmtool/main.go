// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/bbnote/gostnvm/arbiter"
	"github.com/bbnote/gostnvm/flashmgr"
	"github.com/bbnote/gostnvm/probe"
	"github.com/bbnote/gostnvm/rfts"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	logger *logrus.Logger

	globalOpts = struct {
		config   string
		image    string
		logLevel int
	}{}

	rootCmd = &cobra.Command{
		Use:   "snvmtool",
		Short: "Inspect and edit simple nvm flash images",
		Long: "snvmtool runs the nvm arbiter, flash manager and time window synchronizer on a flash\n" +
			"image file. It formats, inspects, writes and reads the buffers described by a yaml\n" +
			"configuration and lists connected ST-Link probes.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLevel(logrus.Level(globalOpts.logLevel))
		},
	}
)

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stderr)

	arbiter.SetLogger(logger)
	flashmgr.SetLogger(logger)
	rfts.SetLogger(logger)
	probe.SetLogger(logger)
}

func init() {
	initLogger()

	rootCmd.PersistentFlags().StringVarP(&globalOpts.config, "config", "c", "nvm.yaml", "nvm configuration file")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.image, "image", "i", "flash.bin", "flash image file")
	rootCmd.PersistentFlags().IntVarP(&globalOpts.logLevel, "log-level", "l", int(logrus.InfoLevel), "logging verbosity [0 - 6]")

	rootCmd.AddCommand(formatCmd, inspectCmd, writeCmd, readCmd, probesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(-1)
	}
}
