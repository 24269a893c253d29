// Command shmchan drives a single-slot shared memory channel from the shell: it prints
// the OS object names of a channel, sends payloads, receives them and cleans up.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shmchan:", err)
		os.Exit(1)
	}
}
