package main

import (
	"fmt"

	"github.com/spf13/cobra"

	svinit "github.com/axondata/go-svinit"
)

var statusStates []string

var statusCmd = &cobra.Command{
	Use:   "status [service...]",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := svinit.StatusFilter{Names: args}
		for _, s := range statusStates {
			st, err := svinit.ParseState(s)
			if err != nil {
				return err
			}
			filter.States = append(filter.States, st)
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		statuses, err := controller().Status(ctx, filter)
		if err != nil {
			return err
		}
		return printStatuses(cmd.OutOrStdout(), statuses)
	},
}

var startCmd = &cobra.Command{
	Use:   "start service...",
	Short: "Start services and their hard dependencies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Start(ctx, args...)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop service...",
	Short: "Stop services and everything that hard-depends on them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Stop(ctx, args...)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart service...",
	Short: "Stop then start services",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Restart(ctx, args...)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var enableNow bool

var enableCmd = &cobra.Command{
	Use:   "enable service",
	Short: "Start a service at boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Enable(ctx, args[0], enableNow)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var disableNow bool

var disableCmd = &cobra.Command{
	Use:   "disable service",
	Short: "Stop starting a service at boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Disable(ctx, args[0], disableNow)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal service SIGNAL",
	Short: "Send a signal to a running service",
	Long:  `SIGNAL is a name such as HUP or SIGHUP, or a number.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sig, err := svinit.ParseSignal(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return controller().Signal(ctx, args[0], sig)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read service descriptors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		report, err := controller().Reload(ctx)
		return printReport(cmd.OutOrStdout(), report, err)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait service [state...]",
	Short: "Wait until a service reaches one of the given states",
	Long:  `Without states, wait returns on the next state change.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var states []svinit.State
		for _, s := range args[1:] {
			st, err := svinit.ParseState(s)
			if err != nil {
				return err
			}
			states = append(states, st)
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		status, err := svinit.Wait(ctx, controller(), args[0], states...)
		if err != nil {
			return err
		}
		return printStatuses(cmd.OutOrStdout(), []svinit.ServiceStatus{status})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the manager is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		v, err := newClient().Ping(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "svinitd %s (protocol %d, pid %d)\n", v.Version, v.Protocol, v.PID)
		return err
	},
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusStates, "state", nil, "only show services in these states")
	enableCmd.Flags().BoolVar(&enableNow, "now", false, "also start the service")
	disableCmd.Flags().BoolVar(&disableNow, "now", false, "also stop the service")
}
