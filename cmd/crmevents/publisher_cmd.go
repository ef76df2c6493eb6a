package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPublisherCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "publisher",
		Short: "Run only the outbox publisher against Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Kafka.Enabled {
				return errKafkaRequired
			}
			return a.runPublisher(cmd.Context(), once, cmd)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "publish a single batch and exit")
	return cmd
}

func (a *app) runPublisher(ctx context.Context, once bool, cmd *cobra.Command) (err error) {
	var cl closers
	defer func() {
		if cerr := cl.closeAll(a.log); err == nil {
			err = cerr
		}
	}()

	if _, err := a.startTelemetry(&cl); err != nil {
		return err
	}
	s, err := openStore(ctx, a.cfg.Store, a.log)
	if err != nil {
		return err
	}
	cl.add(func(context.Context) error { return s.close() })

	if !a.brokerReady(ctx) {
		return nil
	}
	bus := a.kafkaBus(&cl)

	if once {
		w, err := a.newPublisher(s, bus)
		if err != nil {
			return err
		}
		reset, err := w.SweepOnce(ctx)
		if err != nil {
			return err
		}
		n, err := w.PublishOnce(ctx)
		if err != nil {
			return err
		}
		a.log.Info("Lote publicado", zap.Int("published", n), zap.Int64("reset_for_retry", reset))
		fmt.Fprintf(cmd.OutOrStdout(), "published=%d reset_for_retry=%d\n", n, reset)
		return nil
	}

	if _, err := a.startPublisher(ctx, s, bus, &cl); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
