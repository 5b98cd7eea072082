package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/glimte/artery-go/routing"
)

// RouteInfo describes one parsed or built address.
type RouteInfo struct {
	Route   string `json:"route"`
	Service string `json:"service"`
	Model   string `json:"model"`
	Action  string `json:"action,omitempty"`
	Plural  bool   `json:"plural"`
}

func newRouteInfo(addr routing.Address) RouteInfo {
	return RouteInfo{
		Route:   addr.ToRoute(),
		Service: addr.Service(),
		Model:   addr.Model(),
		Action:  addr.Action(),
		Plural:  addr.Plural(),
	}
}

func writeRouteInfos(w io.Writer, infos []RouteInfo) {
	for _, info := range infos {
		action := info.Action
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(w, "%s\tservice=%s model=%s action=%s plural=%t\n",
			info.Route, info.Service, info.Model, action, info.Plural)
	}
}

// NewRouteCommand creates the route command.
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Parse and build routing addresses",
	}

	cmd.AddCommand(newRouteParseCommand(rootOpts))
	cmd.AddCommand(newRouteBuildCommand(rootOpts))
	return cmd
}

func newRouteParseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <route>...",
		Short: "Parse routes into their segments",
		Long: `Parse one or more routes of the form service.model[.action].

The model is reported singular; plural tells whether the route named it in
the plural, and route is the canonical form.

Examples:
  artery route parse billing.invoices.create
  artery route parse crm.user crm.users.list --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]RouteInfo, 0, len(args))
			for _, arg := range args {
				addr, err := routing.ParseAddress(arg)
				if err != nil {
					return WrapExitError(ExitFailure, "invalid route", err)
				}
				infos = append(infos, newRouteInfo(addr))
			}

			return opts.formatter(cmd).Success(infos, func(w io.Writer) {
				writeRouteInfos(w, infos)
			})
		},
	}
}

func newRouteBuildCommand(opts *RootOptions) *cobra.Command {
	var fields routing.Fields

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a route from its segments",
		Long: `Build a route from flags. Without --service the configured service is used.

Examples:
  artery route build --service billing --model invoice --action create --plural`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			addr, err := routing.BuildAddress(fields, cfg.Service)
			if err != nil {
				return WrapExitError(ExitFailure, "invalid route", err)
			}

			infos := []RouteInfo{newRouteInfo(addr)}
			return opts.formatter(cmd).Success(infos[0], func(w io.Writer) {
				writeRouteInfos(w, infos)
			})
		},
	}

	cmd.Flags().StringVar(&fields.Service, "service", "", "service segment (defaults to the configured service)")
	cmd.Flags().StringVar(&fields.Model, "model", "", "model segment, singular (required)")
	_ = cmd.MarkFlagRequired("model")
	cmd.Flags().StringVar(&fields.Action, "action", "", "action segment")
	cmd.Flags().BoolVar(&fields.Plural, "plural", false, "render the model in the plural")

	return cmd
}
