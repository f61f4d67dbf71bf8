// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bbnote/gostnvm/arbiter"
	"github.com/bbnote/gostnvm/probe"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	bufferOpts = struct {
		id      uint8
		file    string
		out     string
		timeout time.Duration
	}{}

	formatCmd = &cobra.Command{
		Use:   "format",
		Short: "Erase every bank of the configured nvms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arbiter.LoadConfig(globalOpts.config)
			if err != nil {
				return err
			}
			return runFormat(cfg, globalOpts.image)
		},
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Show the banks of an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arbiter.LoadConfig(globalOpts.config)
			if err != nil {
				return err
			}
			return runInspect(cfg, globalOpts.image, cmd.OutOrStdout())
		},
	}

	writeCmd = &cobra.Command{
		Use:   "write",
		Short: "Commit the content of a file to a buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arbiter.LoadConfig(globalOpts.config)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(bufferOpts.file)
			if err != nil {
				return errors.Wrapf(err, "could not read %s", bufferOpts.file)
			}

			return runWrite(cfg, globalOpts.image, bufferOpts.id, data, bufferOpts.timeout)
		},
	}

	readCmd = &cobra.Command{
		Use:   "read",
		Short: "Restore a buffer from the image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arbiter.LoadConfig(globalOpts.config)
			if err != nil {
				return err
			}

			data, err := runRead(cfg, globalOpts.image, bufferOpts.id)
			if err != nil {
				return err
			}

			if bufferOpts.out != "" {
				return os.WriteFile(bufferOpts.out, data, 0o644)
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
			return err
		},
	}

	probesCmd = &cobra.Command{
		Use:   "probes",
		Short: "List connected ST-Link probes",
		RunE: func(cmd *cobra.Command, args []string) error {
			probes, err := probe.List()
			if err != nil {
				return err
			}

			if len(probes) == 0 {
				logger.Info("no ST-Link connected")
			}

			for _, p := range probes {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
)

func init() {
	writeCmd.Flags().Uint8Var(&bufferOpts.id, "id", 0, "buffer id")
	writeCmd.Flags().StringVarP(&bufferOpts.file, "file", "f", "", "file holding the buffer content")
	writeCmd.Flags().DurationVar(&bufferOpts.timeout, "timeout", 10*time.Second, "time to wait for the commit")
	writeCmd.MarkFlagRequired("file")

	readCmd.Flags().Uint8Var(&bufferOpts.id, "id", 0, "buffer id")
	readCmd.Flags().StringVarP(&bufferOpts.out, "out", "o", "", "output file, hex dump on stdout if empty")
}

// runFormat erases the nvm region of the image.
func runFormat(cfg arbiter.Config, imagePath string) error {
	mem, err := loadImage(cfg, imagePath)
	if err != nil {
		return err
	}

	reports, err := arbiter.Inspect(mem, cfg)
	if err != nil {
		return err
	}

	geo := mem.Geometry()

	for _, report := range reports {
		bankSectors := uint32(cfg.Nvms[report.ID].BankSize)

		for _, bank := range report.Banks {
			first := geo.SectorIndex(bank.Address)

			for s := first; s < first+bankSectors; s++ {
				if err := mem.EraseSector(s); err != nil {
					return errors.Wrapf(err, "could not erase sector %d", s)
				}
			}
		}

		logger.Infof("nvm %d (%s): %d banks erased", report.ID, report.Name, len(report.Banks))
	}

	return saveImage(mem, imagePath)
}

func runInspect(cfg arbiter.Config, imagePath string, w io.Writer) error {
	mem, err := loadImage(cfg, imagePath)
	if err != nil {
		return err
	}

	reports, err := arbiter.Inspect(mem, cfg)
	if err != nil {
		return err
	}

	for _, report := range reports {
		fmt.Fprintf(w, "nvm %d %s\n", report.ID, report.Name)

		for _, bank := range report.Banks {
			marker := " "
			if bank.Restore {
				marker = "*"
			}

			fmt.Fprintf(w, "%s bank %d 0x%08x %-9v", marker, bank.Index, bank.Address, bank.State)

			if bank.State == arbiter.BankValid {
				fmt.Fprintf(w, " counter %3d crc 0x%04x sizes %v", bank.Header.Counter, bank.Header.Crc, bank.Header.Sizes)
			}

			fmt.Fprintln(w)
		}
	}

	return nil
}

// runWrite replaces the content of one buffer and commits the bank. The other
// buffers of the nvm keep their restored content.
func runWrite(cfg arbiter.Config, imagePath string, id uint8, data []byte, timeout time.Duration) error {
	s, err := openStack(cfg, imagePath)
	if err != nil {
		return err
	}
	defer s.close()

	buf, err := s.buffer(id)
	if err != nil {
		return err
	}

	s.restoreAll()

	if err := bytesToWords(buf, data); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.arb.WriteAndWait(ctx, id); err != nil {
		return err
	}

	logger.Infof("buffer %d committed", id)

	return saveImage(s.mem, imagePath)
}

func runRead(cfg arbiter.Config, imagePath string, id uint8) ([]byte, error) {
	s, err := openStack(cfg, imagePath)
	if err != nil {
		return nil, err
	}
	defer s.close()

	buf, err := s.buffer(id)
	if err != nil {
		return nil, err
	}

	if err := s.arb.Restore(id); err != nil {
		return nil, err
	}

	return wordsToBytes(buf), nil
}
