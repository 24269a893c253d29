package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/channel"
)

func newProduceCmd(o *options) *cobra.Command {
	var (
		file  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send a payload read from a file or stdin",
		Long: `produce reads a payload from --file (or stdin) and sends it --count times.
Each send blocks until the consumer has read the previous payload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			config, err := o.config(cmd)
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			p, err := channel.NewProducer(config)
			if err != nil {
				return err
			}
			defer p.Close()
			for i := 0; i < count; i++ {
				if err := p.Send(payload); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "sent %d bytes on %s\n", len(payload), config.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file, - or empty for stdin")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of times to send the payload")
	return cmd
}
