package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	svinit "github.com/axondata/go-svinit"
)

var flags struct {
	socket  string
	timeout time.Duration
	output  string
}

var rootCmd = &cobra.Command{
	Use:   "svctl",
	Short: "Control the svinit service manager",
	Long: `svctl sends control requests to a running svinitd over its control socket.

Start and stop requests wait until the whole dependency closure settled and
print a report of what succeeded and what failed.`,
	Version:       svinit.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.socket, "socket", "s", svinit.DefaultSocketPath, "manager control socket")
	pf.DurationVarP(&flags.timeout, "timeout", "t", svinit.DefaultResponseTimeout, "request timeout")
	pf.StringVarP(&flags.output, "output", "o", "table", "output format (table|yaml)")

	rootCmd.AddCommand(
		statusCmd,
		startCmd,
		stopCmd,
		restartCmd,
		enableCmd,
		disableCmd,
		signalCmd,
		reloadCmd,
		waitCmd,
		pingCmd,
	)
}

func controller() svinit.Controller {
	return newClient()
}

func newClient() *svinit.Client {
	return svinit.NewClient(flags.socket, svinit.WithResponseTimeout(flags.timeout))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, flags.timeout)
}
