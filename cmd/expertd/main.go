package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/askexperts/expertlib/daemon"
)

// The stock binary serves the scheduler role. The worker role needs an
// answer generator, so worker deployments build their own main around
// daemon.ExpertdMain with a daemon.CallbacksFactory.
func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := daemon.ExpertdMain(os.Args, nil); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
