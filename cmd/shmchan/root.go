package main

import (
	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/internal/logging"
	"github.com/srediag/shmchan/pkg/channel"
)

// options are the flags shared by every subcommand.
type options struct {
	configFile string
	id         string
	keyFile    string
	dir        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "shmchan",
		Short: "Single-slot shared memory handoff channel",
		Long: `shmchan hands one payload at a time from a producer process to a consumer
process through a named shared memory segment guarded by two named semaphores.

The channel id names the segment and the semaphores <id>_sem_empty and
<id>_sem_full; a key file may rename the segment.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.logLevel == "" {
				return nil
			}
			lv, err := logging.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}
			logging.SetLevel(lv)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&o.configFile, "config", "", "YAML config file")
	flags.StringVar(&o.id, "id", "", "channel id (overrides the config file)")
	flags.StringVar(&o.keyFile, "key-file", "", "key file whose first line renames the segment")
	flags.StringVar(&o.dir, "dir", "", "directory of the channel files (default /dev/shm)")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, none")

	root.AddCommand(
		newNamesCmd(o),
		newProduceCmd(o),
		newConsumeCmd(o),
		newCleanCmd(o),
	)
	return root
}

// config builds the endpoint config from the config file and the flags set on cmd.
func (o *options) config(cmd *cobra.Command) (*channel.Config, error) {
	config := channel.DefaultConfig()
	if o.configFile != "" {
		loaded, err := channel.LoadConfig(o.configFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		config.ID = o.id
	}
	if flags.Changed("key-file") {
		config.KeyFile = o.keyFile
	}
	if flags.Changed("dir") {
		config.Dir = o.dir
	}
	if err := channel.VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}
