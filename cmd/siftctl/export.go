package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dreamware/sift/internal/poll"
	"github.com/dreamware/sift/internal/server"
)

func newExportCmd(clientFor func() *client) *cobra.Command {
	var (
		req    poll.ExportRequest
		output string
	)
	cmd := &cobra.Command{
		Use:   "export QUERY_KEY COMPONENT",
		Short: "Export every visible row of a running query's component as CSV",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.QueryKey, req.Component = args[0], args[1]
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return clientFor().export(cmd.Context(), req, w)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Token, "token", "", "session token the query runs under")
	flags.StringVar(&req.Instance, "instance", "", "session instance")
	flags.StringSliceVar(&req.Open, "open", nil, "group keys to expand")
	flags.IntVar(&req.MaxRows, "max-rows", 0, "row limit (0 exports all)")
	flags.StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newNodesCmd(clientFor func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes, their health and shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Nodes []server.NodeStatus `json:"nodes"`
			}
			if err := clientFor().getJSON(cmd.Context(), "/nodes", &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDR\tSTATUS\tLAST CHECK\tSHARDS")
			for _, n := range out.Nodes {
				status, checked := "unknown", "never"
				if n.Health != nil {
					status = string(n.Health.Status)
					if !n.Health.LastCheck.IsZero() {
						checked = humanize.Time(n.Health.LastCheck)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", n.ID, n.Addr, status, checked, n.Shards)
			}
			return tw.Flush()
		},
	}
}
