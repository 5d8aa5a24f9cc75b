// Command siftctl is a command line client for the sift coordinator.
//
//	siftctl poll -f request.yaml
//	siftctl export q1 by-host --token alice > hosts.csv
//	siftctl nodes
package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "siftctl",
		Short:        "Query a sift cluster",
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("coordinator", "http://127.0.0.1:8080", "coordinator base URL")
	flags.Duration("timeout", 30*time.Second, "timeout of a single request")
	_ = v.BindPFlag("coordinator", flags.Lookup("coordinator"))
	_ = v.BindPFlag("timeout", flags.Lookup("timeout"))
	v.SetEnvPrefix("SIFT")
	v.AutomaticEnv()

	clientFor := func() *client {
		return newClient(strings.TrimSuffix(v.GetString("coordinator"), "/"), v.GetDuration("timeout"))
	}
	cmd.AddCommand(newPollCmd(clientFor), newExportCmd(clientFor), newNodesCmd(clientFor))
	return cmd
}
