package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/artery-go/changelog"
	"github.com/glimte/artery-go/changelog/sqlite"
)

// LogOptions holds flags for the log commands.
type LogOptions struct {
	*RootOptions
	Database string
}

// IndexResult is the output of the latest and previous commands.
type IndexResult struct {
	Model string `json:"model"`
	Index int64  `json:"index,omitempty"`
	Found bool   `json:"found"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Query the change log",
		Long: `Query the change log of persisted records.

Every record has an index that grows within its model. A consumer resumes
with "after" from the last index it processed, or with "since" from a point
in time.

Examples:
  artery log latest order --db ./artery.db
  artery log after order 41 --db ./artery.db --format json
  artery log since order 2024-03-01T12:00:00Z --db ./artery.db`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to the configured database)")

	cmd.AddCommand(&cobra.Command{
		Use:           "latest <model>",
		Short:         "Print the latest index of a model",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withLog(func(log *changelog.Log) error {
				index, ok, err := log.LatestIndex(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read latest index", err)
				}
				return opts.writeIndex(cmd, IndexResult{Model: args[0], Index: index, Found: ok})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "previous <model> <index>",
		Short:         "Print the index preceding a record of a model",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return opts.withLog(func(log *changelog.Log) error {
				prev, ok, err := log.PreviousIndex(cmd.Context(), changelog.Record{ID: index, Model: args[0]})
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read previous index", err)
				}
				return opts.writeIndex(cmd, IndexResult{Model: args[0], Index: prev, Found: ok})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "after <model> <index>",
		Short:         "List records of a model above an index",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return opts.withLog(func(log *changelog.Log) error {
				return opts.writeRecords(cmd, func(ctx context.Context) ([]changelog.Record, error) {
					return log.AfterIndex(ctx, args[0], index)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "since <model> <time>",
		Short: "List records of a model created after a point in time",
		Long: `List records of a model created strictly after a point in time.
The time is RFC 3339 or seconds since the Unix epoch.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseTime(args[1])
			if err != nil {
				return err
			}
			return opts.withLog(func(log *changelog.Log) error {
				return opts.writeRecords(cmd, func(ctx context.Context) ([]changelog.Record, error) {
					return log.Since(ctx, args[0], since)
				})
			})
		},
	})

	return cmd
}

// withLog opens the SQLite change log for the duration of fn
func (o *LogOptions) withLog(fn func(log *changelog.Log) error) error {
	path := o.Database
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Database
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no database: set --db or database in the configuration")
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer store.Close()

	return fn(changelog.New(store))
}

func (o *LogOptions) writeIndex(cmd *cobra.Command, result IndexResult) error {
	return o.formatter(cmd).Success(result, func(w io.Writer) {
		if !result.Found {
			fmt.Fprintf(w, "no index for %s\n", result.Model)
			return
		}
		fmt.Fprintln(w, result.Index)
	})
}

func (o *LogOptions) writeRecords(cmd *cobra.Command, query func(ctx context.Context) ([]changelog.Record, error)) error {
	records, err := query(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to query change log", err)
	}

	return o.formatter(cmd).Success(records, func(w io.Writer) {
		for _, rec := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.ID, rec.Model, rec.CreatedAt.Format(time.RFC3339Nano), rec.Payload)
		}
	})
}

func parseIndex(s string) (int64, error) {
	index, err := strconv.ParseInt(s, 10, 64)
	if err != nil || index < 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid index %q: must be a non-negative integer", s))
	}
	return index, nil
}

func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid time %q: use RFC 3339 or unix seconds", s))
}
