package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

// LedgerMongoDB guarda el registro de idempotencia con el eventId como _id.
type LedgerMongoDB struct {
	coll *mongo.Collection
}

func NewLedgerMongoDB(client *mongo.Client, dbName, collection string) (*LedgerMongoDB, error) {
	if err := domain.ValidLedger(collection); err != nil {
		return nil, fmt.Errorf("%w: %q", err, collection)
	}
	return &LedgerMongoDB{coll: client.Database(dbName).Collection(collection)}, nil
}

func (l *LedgerMongoDB) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := l.coll.CountDocuments(ctx, bson.M{"_id": eventID}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *LedgerMongoDB) Record(ctx context.Context, eventID, eventType string, at time.Time) error {
	return upsertLedger(ctx, l.coll, eventID, eventType, at)
}

// upsertLedger usa $setOnInsert: el primer registro gana y los demás no fallan.
// Dos upserts concurrentes pueden chocar en _id; ese duplicado tampoco es error.
func upsertLedger(ctx context.Context, coll *mongo.Collection, eventID, eventType string, at time.Time) error {
	_, err := coll.UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$setOnInsert": bson.M{"eventType": eventType, "processedAt": at.UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to record %s in %s: %w", eventID, coll.Name(), err)
	}
	return nil
}

var _ domain.Ledger = (*LedgerMongoDB)(nil)
