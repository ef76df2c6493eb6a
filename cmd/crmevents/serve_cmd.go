package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	infraEvents "github.com/davicafu/crmevents/internal/infra/events"
	opsHttp "github.com/davicafu/crmevents/internal/ops/infra/inbound/http"
	sharedBus "github.com/davicafu/crmevents/internal/shared/infra/platform/bus"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ops server, the outbox publisher and the consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) (err error) {
	var cl closers
	defer func() {
		if cerr := cl.closeAll(a.log); err == nil {
			err = cerr
		}
	}()

	tp, err := a.startTelemetry(&cl)
	if err != nil {
		return err
	}
	s, err := openStore(ctx, a.cfg.Store, a.log)
	if err != nil {
		return err
	}
	cl.add(func(context.Context) error { return s.close() })

	opts := []opsHttp.OpsOption{
		opsHttp.WithMetrics(tp.Handler()),
		opsHttp.WithCheck("database", s.ping),
	}

	// ---------------- Events ---------------
	if a.brokerReady(ctx) {
		var (
			bus    sharedBus.EventBus
			memBus *infraEvents.InMemoryEventBus
		)
		if a.cfg.Kafka.Enabled {
			a.log.Info("🚀 Usando Kafka como bus de eventos", zap.Strings("brokers", a.cfg.Kafka.Brokers))
			bus = a.kafkaBus(&cl)
			opts = append(opts, opsHttp.WithCheck("kafka", a.kafkaCheck()))
		} else {
			a.log.Info("⚡️ Usando bus de eventos en memoria")
			memBus = a.memoryBus(&cl)
			bus = memBus
		}

		if err := a.startConsumer(ctx, s, memBus, &cl); err != nil {
			return err
		}
		publisher, err := a.startPublisher(ctx, s, bus, &cl)
		if err != nil {
			return err
		}
		opts = append(opts, opsHttp.WithPublisher(publisher))
	}

	// ---------------- HTTP ----------------
	gin.SetMode(gin.ReleaseMode)
	handler := opsHttp.NewOpsHandler(s.outbox, a.cfg.Outbox.MaxRetries, a.log, opts...)
	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           opsHttp.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	cl.add(srv.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("🚀 Server running", zap.String("url", "http://localhost:"+a.cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("Señal recibida, apagando...")
		return nil
	case err := <-serveErr:
		return err
	}
}
