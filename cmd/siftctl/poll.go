package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/sift/internal/poll"
	"github.com/dreamware/sift/internal/window"
)

type pollOptions struct {
	file     string
	interval time.Duration
	maxPolls int
	json     bool
}

func newPollCmd(clientFor func() *client) *cobra.Command {
	var opts pollOptions
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run the queries of a poll request and print their windows until complete",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadRequest(opts.file)
			if err != nil {
				return err
			}
			if req.Token == "" {
				req.Token = uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "session token: %s\n", req.Token)
			}
			_, err = pollUntilComplete(cmd.Context(), clientFor(), req, opts, cmd.OutOrStdout())
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "poll request (YAML)")
	flags.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "delay between polls")
	flags.IntVar(&opts.maxPolls, "max-polls", 0, "stop after this many polls (0 polls until complete)")
	flags.BoolVar(&opts.json, "json", false, "print raw poll responses")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadRequest(path string) (poll.Request, error) {
	var req poll.Request
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(req.Queries) == 0 {
		return req, fmt.Errorf("%s: no queries", path)
	}
	return req, nil
}

var errPollLimit = errors.New("poll limit reached before completion")

// pollUntilComplete repeats the poll until every rendered query is complete.
// Windows are printed whenever they change.
func pollUntilComplete(ctx context.Context, c *client, req poll.Request, opts pollOptions, out io.Writer) (*poll.Response, error) {
	for n := 1; ; n++ {
		resp, err := c.poll(ctx, req)
		if err != nil {
			return nil, err
		}
		if opts.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return nil, err
			}
		} else {
			printResponse(out, resp)
		}
		if complete(req, resp) {
			return resp, nil
		}
		if opts.maxPolls > 0 && n >= opts.maxPolls {
			return resp, errPollLimit
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(opts.interval):
		}
	}
}

func complete(req poll.Request, resp *poll.Response) bool {
	for key, q := range req.Queries {
		if q == nil {
			continue
		}
		res := resp.Results[key]
		if res == nil || !res.Complete {
			return false
		}
	}
	return true
}

func printResponse(out io.Writer, resp *poll.Response) {
	keys := maps.Keys(resp.Results)
	slices.Sort(keys)
	for _, key := range keys {
		res := resp.Results[key]
		if res.Unchanged {
			continue
		}
		printResult(out, key, res)
	}
}

func printResult(out io.Writer, key string, res *window.Result) {
	state := "running"
	if res.Complete {
		state = "complete"
	}
	if res.Error != "" {
		fmt.Fprintf(out, "== %s: error: %s\n", key, res.Error)
		return
	}
	fmt.Fprintf(out, "== %s: rows %d-%d of %s, %s\n", key,
		res.Offset+1, res.Offset+res.Count, humanize.Comma(int64(res.Total)), state)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(res.Fields) > 0 {
		titles := make([]string, len(res.Fields))
		for i, f := range res.Fields {
			titles[i] = f.Title()
		}
		fmt.Fprintln(tw, strings.Join(titles, "\t"))
	}
	for _, row := range res.Rows {
		cells := append([]string(nil), row.Cells...)
		if len(cells) > 0 {
			marker := "  "
			if row.HasChildren {
				marker = "+ "
				if row.Open {
					marker = "- "
				}
			}
			cells[0] = strings.Repeat("  ", row.Depth) + marker + cells[0]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}
