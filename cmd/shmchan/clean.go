package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/channel"
	"github.com/srediag/shmchan/pkg/shm"
)

func newCleanCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the segment and semaphores of a channel",
		Long: `clean removes the files backing a channel. Use it when a crashed process
left a stale segment behind and producers fail with "shared segment unavailable".
Processes still attached keep their mappings but no longer meet new peers.`,
		Args: cobra.NoArgs,
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
			if err := channel.Remove(dir, n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed channel %s from %s\n", n.ID, dir)
			return nil
		},
	}
}
