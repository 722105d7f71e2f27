package cli

import (
	stdjson "encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	schoolsync "github.com/Gyimahp52/michael-school-portal-sub002/internal/sync"
)

// Version is set at build time with -ldflags.
var Version = "v0.0.0-dev"

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of schoolsync",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "schoolsync %s\n", Version)
		},
	}
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			red := cfg.Redacted()
			if rootOpts.Format == "json" {
				return newPrinter(rootOpts, cmd.OutOrStdout()).print(red, nil)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(red)
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show network state and pending, failed and conflicted counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st schoolsync.SyncStatus
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(st, func(w io.Writer) {
				printStatus(w, &st)
			})
		},
	}
}

func printStatus(w io.Writer, st *schoolsync.SyncStatus) {
	fmt.Fprintf(w, "Network:    %s\n", st.Network.State)
	fmt.Fprintf(w, "Syncing:    %t\n", st.Scheduler.Syncing)
	fmt.Fprintf(w, "Pending:    %d\n", st.Pending)
	fmt.Fprintf(w, "Failed:     %d\n", st.Failed)
	fmt.Fprintf(w, "Conflicted: %d\n", st.Conflicted)
	if st.LastSuccessAt != nil {
		fmt.Fprintf(w, "Last sync:  %s\n", st.LastSuccessAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(st.Collections) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tPENDING\tFAILED\tCONFLICTED")
	for _, c := range st.Collections {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", c.Collection, c.Pending, c.Failed, c.Conflicted)
	}
	tw.Flush()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Trigger a sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPost, "/api/sync", nil, &out); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out, func(w io.Writer) {
				fmt.Fprintln(w, "Sync triggered")
			})
		},
	}
}

func recordPath(collection, id string) string {
	p := "/api/collections/" + url.PathEscape(collection) + "/records"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// readPayload parses a JSON payload given inline or as @file ("@-" is stdin).
func readPayload(arg string, stdin io.Reader) (stdjson.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if arg == "@-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(arg[1:])
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read payload", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New(errors.ErrInvalid, "payload is not valid JSON")
	}
	return stdjson.RawMessage(data), nil
}

// NewRecordsCommand creates the records command and its subcommands.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and change records through a running engine",
	}

	printRecord := func(cmd *cobra.Command, rec *models.Record) error {
		if rec == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Record discarded")
			return nil
		}
		return newPrinter(rootOpts, cmd.OutOrStdout()).print(rec, func(w io.Writer) {
			printRecords(w, []*models.Record{rec})
		})
	}

	list := &cobra.Command{
		Use:   "list <collection>",
		Short: "List the live records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Records []*models.Record `json:"records"`
			}
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodGet, recordPath(args[0], ""), nil, &out); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out, func(w io.Writer) {
				printRecords(w, out.Records)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodGet, recordPath(args[0], args[1]), nil, &rec); err != nil {
				return err
			}
			return printRecord(cmd, &rec)
		},
	}

	var createID string
	create := &cobra.Command{
		Use:   "create <collection> <payload|@file>",
		Short: "Create a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			body := map[string]interface{}{"id": createID, "payload": payload}
			var rec models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPost, recordPath(args[0], ""), body, &rec); err != nil {
				return err
			}
			return printRecord(cmd, &rec)
		},
	}
	create.Flags().StringVar(&createID, "id", "", "record id (generated when empty)")

	update := &cobra.Command{
		Use:   "update <collection> <id> <payload|@file>",
		Short: "Replace a record's payload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var rec models.Record
			body := map[string]interface{}{"payload": payload}
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPut, recordPath(args[0], args[1]), body, &rec); err != nil {
				return err
			}
			return printRecord(cmd, &rec)
		},
	}

	del := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodDelete, recordPath(args[0], args[1]), nil, &rec); err != nil {
				return err
			}
			return printRecord(cmd, &rec)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <collection> <id>",
		Short: "Retry a record whose sync failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPost, recordPath(args[0], args[1])+"/retry", nil, &rec); err != nil {
				return err
			}
			return printRecord(cmd, &rec)
		},
	}

	abandon := &cobra.Command{
		Use:   "abandon <collection> <id>",
		Short: "Discard a record's unsynced changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec *models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPost, recordPath(args[0], args[1])+"/abandon", nil, &rec); err != nil {
				return err
			}
			return printRecord(cmd, rec)
		},
	}

	cmd.AddCommand(list, get, create, update, del, retry, abandon)
	return cmd
}

func printRecords(w io.Writer, recs []*models.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tVERSION\tMODIFIED\tERROR")
	for _, r := range recs {
		lastErr := ""
		if r.LastError != nil {
			lastErr = *r.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.SyncState, r.LocalVersion,
			r.LastModifiedAt.Local().Format("2006-01-02 15:04:05"), lastErr)
	}
	tw.Flush()
}

// NewConflictsCommand creates the conflicts command and its subcommands.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve sync conflicts",
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflict log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/conflicts"
			if state != "" {
				path += "?state=" + url.QueryEscape(state)
			}
			var out struct {
				Conflicts []*models.ConflictLog `json:"conflicts"`
			}
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out, func(w io.Writer) {
				printConflicts(w, out.Conflicts)
			})
		},
	}
	list.Flags().StringVar(&state, "state", string(models.ResolutionUnresolved), "resolution state filter (empty for all)")

	var payloadArg string
	resolve := &cobra.Command{
		Use:   "resolve <collection> <id> <local|remote|merged>",
		Short: "Resolve a conflict awaiting review",
		Long: `Resolve a conflict awaiting review.

  local   push the local version over the remote one
  remote  keep the remote version and discard the local change
  merged  push the payload given with --payload`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := schoolsync.ParseChoice(args[2])
			if err != nil {
				return err
			}
			body := map[string]interface{}{"choice": string(choice)}
			if payloadArg != "" {
				payload, err := readPayload(payloadArg, cmd.InOrStdin())
				if err != nil {
					return err
				}
				body["payload"] = payload
			}
			path := "/api/conflicts/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1]) + "/resolve"
			var rec models.Record
			if err := newAPIClient(apiBase(rootOpts)).do(cmd.Context(), http.MethodPost, path, body, &rec); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(rec, func(w io.Writer) {
				printRecords(w, []*models.Record{&rec})
			})
		},
	}
	resolve.Flags().StringVar(&payloadArg, "payload", "", "merged payload, inline JSON or @file")

	cmd.AddCommand(list, resolve)
	return cmd
}

func printConflicts(w io.Writer, entries []*models.ConflictLog) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No conflicts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tRECORD\tSTRATEGY\tSTATE\tDETECTED")
	for _, c := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Collection, c.RecordID, c.Strategy, c.ResolutionState,
			c.DetectedAt.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
