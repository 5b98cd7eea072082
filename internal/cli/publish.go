package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/glimte/artery-go/routing"
)

// PublishResult is the output of the publish command.
type PublishResult struct {
	Route string `json:"route"`
	Index int64  `json:"index,omitempty"`
	Model string `json:"model,omitempty"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(opts *RootOptions) *cobra.Command {
	var emit bool

	cmd := &cobra.Command{
		Use:   "publish <route> [payload]",
		Short: "Publish a message without waiting for replies",
		Long: `Publish a JSON payload to a route.

With --emit the payload is first appended to the change log under the route's
model, and the message carries its index so receivers can detect gaps.

Examples:
  artery publish crm.user.created '{"id": 7}'
  artery publish billing.invoices.created '{"total": 10}' --emit`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := routing.ParseAddress(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid route", err)
			}
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := opts.client(cmd, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			result := PublishResult{Route: route.ToRoute()}
			if emit {
				rec, err := client.Emit(cmd.Context(), route, payload, nil)
				if err != nil {
					return WrapExitError(ExitFailure, "emit failed", err)
				}
				result.Index = rec.ID
				result.Model = rec.Model
			} else if err := client.Publish(cmd.Context(), route, payload, nil); err != nil {
				return WrapExitError(ExitFailure, "publish failed", err)
			}

			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				if result.Index > 0 {
					fmt.Fprintf(w, "emitted %s #%d to %s\n", result.Model, result.Index, result.Route)
					return
				}
				fmt.Fprintf(w, "published to %s\n", result.Route)
			})
		},
	}

	cmd.Flags().BoolVar(&emit, "emit", false, "append to the change log before publishing")
	return cmd
}
