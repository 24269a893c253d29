package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/channel"
	"github.com/srediag/shmchan/pkg/sem"
	"github.com/srediag/shmchan/pkg/shm"
)

func newNamesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "Print the segment and semaphore names of a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := o.config(cmd)
			if err != nil {
				return err
			}
			n, err := channel.DeriveNames(config.ID, config.KeyFile)
			if err != nil {
				return err
			}
			dir := config.Dir
			if dir == "" {
				dir = shm.DefaultDir()
			}
			out := cmd.OutOrStdout()
			source := "id"
			if n.FromKeyFile {
				source = "key file " + config.KeyFile
			}
			fmt.Fprintf(out, "segment: %s (%s, from %s)\n", n.Segment, filepath.Join(dir, n.Segment), source)
			fmt.Fprintf(out, "empty:   %s (%s)\n", n.Empty, filepath.Join(dir, sem.FileName(n.Empty)))
			fmt.Fprintf(out, "full:    %s (%s)\n", n.Full, filepath.Join(dir, sem.FileName(n.Full)))
			if n.Residual > 0 {
				fmt.Fprintf(out, "warning: %d key file line(s) after the first are ignored\n", n.Residual)
			}
			return nil
		},
	}
}
