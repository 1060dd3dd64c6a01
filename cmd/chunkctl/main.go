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
	address  string

	rootCmd = &cobra.Command{
		Use:          "chunkctl",
		Short:        "Administer a chunkmeta coordinator",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return flag.ConfigureLogging(logLevel)
		},
	}
)

func init() {
	flag.Logging(rootCmd, &logLevel)
	rootCmd.PersistentFlags().StringVarP(&address, "addr", "a", fmt.Sprintf("localhost:%d", flag.DefaultGRPCPort), "Coordinator address")
	addCommands(rootCmd)
}

func main() {
	if _, err := maxprocs.Set(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
