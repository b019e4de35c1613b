// Command fnmeshd runs one host's slice of the runtime: it joins the
// global worker pool, pulls its incoming queue, and serves invocations
// until a termination signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "fnmeshd",
		Short: "fnmesh runtime host daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
