package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/config"
	"github.com/davicafu/crmevents/pkg/logger"
)

// app lo rellena el PersistentPreRunE del comando raíz.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "crmevents",
		Short:         "Outbox publisher and event consumer for the CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, cfg.ServiceName); err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.Logger()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Logger().Sync()
		},
	}

	cmd.AddCommand(
		newServeCmd(a),
		newPublisherCmd(a),
		newConsumerCmd(a),
		newMigrateCmd(a),
		newEmitCmd(a),
	)
	return cmd
}
