package main

import (
	"fmt"
	"os"

	"github.com/chunkmeta/chunkmeta/cmd/flag"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "chunkmeta",
		Short: "Chunk metadata service",
		Long:  `Chunk metadata service: the catalog, shard servers and migrations of a sharded document store.`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return flag.ConfigureLogging(logLevel)
		},
	}
)

func init() {
	flag.Logging(rootCmd, &logLevel)
	rootCmd.AddCommand(Cmd)
}

func main() {
	if _, err := maxprocs.Set(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
