package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/davicafu/crmevents/internal/config"
	"github.com/davicafu/crmevents/internal/infra/db/migrations"
	"github.com/davicafu/crmevents/internal/infra/db/mongodb"
	"github.com/davicafu/crmevents/internal/infra/db/postgres"
	"github.com/davicafu/crmevents/internal/infra/db/sqlite"
	"github.com/davicafu/crmevents/internal/infra/db/sqltx"
	"github.com/davicafu/crmevents/internal/shared/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// store reúne los puertos de persistencia del driver configurado.
type store struct {
	outbox          domain.OutboxRepository
	publisherLedger domain.Ledger
	consumerLedger  domain.Ledger
	ping            func(ctx context.Context) error
	// emit escribe un evento en el outbox dentro de su propia transacción.
	emit  func(ctx context.Context, evt *domain.OutboxEvent) error
	close func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (*store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return openSQLStore(ctx, "sqlite", cfg.SQLitePath, migrations.SQLite, log)
	case config.DriverPostgres:
		return openSQLStore(ctx, "pgx", cfg.PostgresDSN, migrations.Postgres, log)
	case config.DriverMongo:
		return openMongoStore(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openSQLDB abre la base y aplica las migraciones pendientes.
func openSQLDB(ctx context.Context, driverName, dsn, dialect string, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == migrations.SQLite {
		// SQLite serializa las escrituras; una conexión evita SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	applied, err := migrations.Up(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	log.Info("✅ Base de datos lista", zap.String("dialect", dialect), zap.Int("migrations_applied", applied))
	return db, nil
}

func openSQLStore(ctx context.Context, driverName, dsn, dialect string, log *zap.Logger) (*store, error) {
	db, err := openSQLDB(ctx, driverName, dsn, dialect, log)
	if err != nil {
		return nil, err
	}

	s := &store{ping: db.PingContext, close: db.Close}
	var (
		pubLedger, conLedger domain.Ledger
		ledgerErr             error
	)
	switch dialect {
	case migrations.SQLite:
		repo := sqlite.NewOutboxRepoSQLite(db)
		s.outbox = repo
		s.emit = func(ctx context.Context, evt *domain.OutboxEvent) error {
			return sqltx.Run(ctx, db, func(tx *sql.Tx) error {
				return repo.WriteToOutbox(ctx, tx, evt)
			})
		}
		if pubLedger, ledgerErr = sqlite.NewLedgerSQLite(db, domain.PublisherLedger); ledgerErr == nil {
			conLedger, ledgerErr = sqlite.NewLedgerSQLite(db, domain.ConsumerLedger)
		}
	default:
		repo := postgres.NewOutboxRepoPostgres(db)
		s.outbox = repo
		s.emit = func(ctx context.Context, evt *domain.OutboxEvent) error {
			return sqltx.Run(ctx, db, func(tx *sql.Tx) error {
				return repo.WriteToOutbox(ctx, tx, evt)
			})
		}
		if pubLedger, ledgerErr = postgres.NewLedgerPostgres(db, domain.PublisherLedger); ledgerErr == nil {
			conLedger, ledgerErr = postgres.NewLedgerPostgres(db, domain.ConsumerLedger)
		}
	}
	if ledgerErr != nil {
		_ = db.Close()
		return nil, ledgerErr
	}
	s.publisherLedger, s.consumerLedger = pubLedger, conLedger
	return s, nil
}

func openMongoStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (*store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	disconnect := func() error { return client.Disconnect(context.Background()) }

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = disconnect()
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	repo := mongodb.NewOutboxRepoMongoDB(client, cfg.MongoDatabase)
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = disconnect()
		return nil, fmt.Errorf("mongodb indexes: %w", err)
	}
	pubLedger, err := mongodb.NewLedgerMongoDB(client, cfg.MongoDatabase, domain.PublisherLedger)
	if err != nil {
		_ = disconnect()
		return nil, err
	}
	conLedger, err := mongodb.NewLedgerMongoDB(client, cfg.MongoDatabase, domain.ConsumerLedger)
	if err != nil {
		_ = disconnect()
		return nil, err
	}
	log.Info("✅ MongoDB lista", zap.String("database", cfg.MongoDatabase))

	return &store{
		outbox:          repo,
		publisherLedger: pubLedger,
		consumerLedger:  conLedger,
		ping: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		},
		emit: func(ctx context.Context, evt *domain.OutboxEvent) error {
			return repo.InTransaction(ctx, func(sc mongo.SessionContext) error {
				return repo.WriteToOutbox(sc, evt)
			})
		},
		close: disconnect,
	}, nil
}
