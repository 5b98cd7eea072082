package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/artery-go/bridge"
	"github.com/glimte/artery-go/routing"
)

// ReplyResult is the output of the request command.
type ReplyResult struct {
	Route         string      `json:"route"`
	CorrelationID string      `json:"correlation_id"`
	Source        string      `json:"source,omitempty"`
	Body          interface{} `json:"body"`
}

// NewRequestCommand creates the request command.
func NewRequestCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request <route> [payload]",
		Short: "Send a request and wait for the reply",
		Long: `Send a JSON payload to a route and print the decoded reply.

The request fails when no reply arrives within --timeout, or the configured
request_timeout when the flag is not set.

Examples:
  artery request crm.users.get 42
  artery request billing.invoices.create '{"total": 10}' --timeout 2s`,
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

			out := opts.formatter(cmd)
			out.VerboseLog("requesting %s", route)

			reply, err := client.Call(cmd.Context(), route, payload, bridge.RequestOptions{Timeout: timeout})
			if err != nil {
				return WrapExitError(ExitFailure, "request failed", err)
			}

			var body interface{}
			if err := reply.Decode(&body); err != nil {
				return WrapExitError(ExitFailure, "failed to decode reply", err)
			}

			result := ReplyResult{
				Route:         reply.Route.ToRoute(),
				CorrelationID: reply.Envelope.CorrelationID,
				Source:        reply.Envelope.Source,
				Body:          body,
			}
			return out.Success(result, func(w io.Writer) {
				encoded, _ := json.Marshal(result.Body)
				fmt.Fprintln(w, string(encoded))
			})
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (defaults to request_timeout)")
	return cmd
}

// parsePayload decodes the optional JSON payload argument; no argument is null
func parsePayload(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, WrapExitError(ExitCommandError, "payload is not valid JSON", err)
	}
	return payload, nil
}
