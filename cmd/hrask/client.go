package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/ingest"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/orchestrator"
)

func newAskCommand() *cobra.Command {
	var (
		req  orchestrator.Request
		locs []string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Push a question onto the ask queue and wait for its answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			req.Query = args[0]
			req.LocationIDs = locs
			if req.QueryID == "" {
				req.QueryID = uuid.NewString()
			}
			ctx := cmd.Context()
			if err := client.Queue().PushRequest(ctx, req); err != nil {
				return err
			}
			msg, err := client.Queue().WaitResponse(ctx, req.QueryID, wait)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("no answer for %s within %s", req.QueryID, wait)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), json.RawMessage(msg))
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.QueryID, "query-id", "", "query id (generated when empty)")
	f.StringVar(&req.UserID, "user", "", "caller employee id")
	f.StringVar(&req.UserRole, "role", "employee", "caller role: employee, supervisor, manager or admin")
	f.StringVar(&req.AccountID, "account", "", "tenant account id")
	f.StringSliceVar(&locs, "location", nil, "accessible location ids")
	f.StringVar(&req.Model, "model", "", "model name")
	f.IntVar(&req.TopK, "top-k", 0, "documents to retrieve")
	f.DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the answer")
	return cmd
}

func newListenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print envelopes from the response queue as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			for ctx.Err() == nil {
				msg, err := client.Queue().PopResponse(ctx, time.Second)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if msg == nil {
					continue
				}
				if err := printJSON(cmd.OutOrStdout(), json.RawMessage(msg)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue, database and index connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			h := client.Health(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if h.Status != "healthy" {
				return fmt.Errorf("service is %s", h.Status)
			}
			return nil
		},
	}
}

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load documents into the retrieval index",
	}

	var (
		kind   string
		source string
		meta   map[string]string
	)
	csvCmd := &cobra.Command{
		Use:   "csv <file|->",
		Short: "Index one document per CSV row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
				if source == "" {
					source = f.Name()
				}
			}
			opt := ingest.CSVOptions{Source: source, Kind: ingest.Kind(kind)}
			if len(meta) > 0 {
				opt.Meta = make(map[string]interface{}, len(meta))
				for k, v := range meta {
					opt.Meta[k] = v
				}
			}
			return runIngest(cmd, func(ctx context.Context, c *hrask.HRClient) (ingest.Result, error) {
				return c.IngestCSV(ctx, r, opt)
			})
		},
	}
	csvCmd.Flags().StringVar(&kind, "kind", "", "row kind: sales_breakdown, employee_schedule or generic (detected when empty)")
	csvCmd.Flags().StringVar(&source, "source", "", "source file name stored with each document")
	csvCmd.Flags().StringToStringVar(&meta, "meta", nil, "fixed metadata added to every document, e.g. location=loc1")

	sqlCmd := &cobra.Command{
		Use:   "sql <select statement>",
		Short: "Index the rows of a SELECT statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, func(ctx context.Context, c *hrask.HRClient) (ingest.Result, error) {
				return c.IngestSQL(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(csvCmd, sqlCmd)
	return cmd
}

func runIngest(cmd *cobra.Command, fn func(context.Context, *hrask.HRClient) (ingest.Result, error)) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := fn(cmd.Context(), client)
	if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
		return perr
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
