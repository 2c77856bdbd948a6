package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	svinit "github.com/axondata/go-svinit"
	"github.com/axondata/go-svinit/internal/logger"
)

var superviseFlags struct {
	logDir    string
	logLevel  string
	logFormat string
}

// superviseCmd is the helper svinitd spawns per daemon. It talks to the
// manager over the socket inherited as descriptor 3.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Supervise a single daemon for the manager",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := newLogger(svinitLogging())
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		// The helper ignores SIGHUP so a terminal hangup does not take the daemon down
		signal.Ignore(syscall.SIGHUP)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		conn, err := svinit.SessionConn()
		if err != nil {
			return err
		}

		var sink svinit.OutputSink = svinit.StdioSink{}
		if superviseFlags.logDir != "" {
			sink = svinit.DirSink{Dir: superviseFlags.logDir}
		}
		return svinit.Supervise(ctx, conn, sink, log)
	},
}

func svinitLogging() LoggingConfig {
	return LoggingConfig{Level: superviseFlags.logLevel, Format: superviseFlags.logFormat}
}

func init() {
	flags := superviseCmd.Flags()
	flags.StringVar(&superviseFlags.logDir, "log-dir", "", "write daemon output to <dir>/<service>.log")
	flags.StringVar(&superviseFlags.logLevel, "log-level", "info", "log level")
	flags.StringVar(&superviseFlags.logFormat, "log-format", string(logger.FormatConsole), "log format (console|json)")
}
