package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	svinit "github.com/axondata/go-svinit"
	"github.com/axondata/go-svinit/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "svinitd",
	Short: "svinit service manager",
	Long: `svinitd starts the enabled services in dependency order, supervises
them according to their restart policies and serves the svctl control socket.

Configuration is read from /etc/svinit/svinitd.yaml (or --config) and can be
overridden by SVINIT_* environment variables, e.g. SVINIT_LOGGING_LEVEL=debug.`,
	Version:       svinit.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+defaultConfigPath+")")

	flags := rootCmd.Flags()
	flags.String("service_dir", "", "descriptor directory")
	flags.String("socket", "", "control socket path")
	flags.String("supervisor", "", "daemon supervision mode (remote|local)")
	flags.Bool("watch", false, "reload when descriptor files change")
	flags.String("metrics_addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(superviseCmd)
}

func newLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logger.New(level, format), nil
}
