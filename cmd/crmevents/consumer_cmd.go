package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newConsumerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Run only the Kafka consumer and its handlers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Kafka.Enabled {
				return errKafkaRequired
			}
			return a.runConsumer(cmd.Context())
		},
	}
}

func (a *app) runConsumer(ctx context.Context) (err error) {
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
	if err := a.startConsumer(ctx, s, nil, &cl); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
