// Package cli implements the artery command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	artery "github.com/glimte/artery-go"
	"github.com/glimte/artery-go/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// NewClient builds the client of commands that talk to other services.
	// Defaults to artery.NewClient.
	NewClient func(cfg config.Config, opts ...artery.ClientOption) (*artery.Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the artery CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artery",
		Short: "Artery - routed requests and change logs between services",
		Long: `Artery connects services through routes of the form service.model[.action].

It sends requests and publishes over the configured broker and answers
catch-up queries against the local change log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Subcommands inherit this, so every flag error is a usage error
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid arguments for "+cmd.CommandPath(), err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML configuration")

	cmd.AddCommand(NewRouteCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// logger writes text logs to the command's stderr; --verbose forces debug
func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) client(cmd *cobra.Command, cfg config.Config, opts ...artery.ClientOption) (*artery.Client, error) {
	newClient := o.NewClient
	if newClient == nil {
		newClient = artery.NewClient
	}

	opts = append([]artery.ClientOption{artery.WithLogger(o.logger(cmd, cfg))}, opts...)
	client, err := newClient(cfg, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create client", err)
	}
	return client, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
