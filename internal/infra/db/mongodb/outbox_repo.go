package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/davicafu/crmevents/internal/shared/domain"
)

const (
	outboxCollection   = "outbox"
	countersCollection = "counters"
	outboxCounterID    = "outbox_sequence"
)

// OutboxRepoMongoDB implementa domain.OutboxRepository. MarkProcessed y
// WriteToOutbox requieren un replica set para las transacciones.
type OutboxRepoMongoDB struct {
	client   *mongo.Client
	outbox   *mongo.Collection
	counters *mongo.Collection
	ledger   *mongo.Collection
}

func NewOutboxRepoMongoDB(client *mongo.Client, dbName string) *OutboxRepoMongoDB {
	db := client.Database(dbName)
	return &OutboxRepoMongoDB{
		client:   client,
		outbox:   db.Collection(outboxCollection),
		counters: db.Collection(countersCollection),
		ledger:   db.Collection(domain.PublisherLedger),
	}
}

// mongoOutboxEvent mapea el documento de la colección outbox.
type mongoOutboxEvent struct {
	EventID       string               `bson:"_id"`
	SequenceID    int64                `bson:"sequenceId"`
	EventType     string               `bson:"eventType"`
	AggregateType string               `bson:"aggregateType"`
	AggregateID   string               `bson:"aggregateId"`
	CustomerID    string               `bson:"customerId"`
	Payload       string               `bson:"payload"`
	Metadata      domain.EventMetadata `bson:"metadata"`
	Status        string               `bson:"status"`
	RetryCount    int                  `bson:"retryCount"`
	ErrorMessage  string               `bson:"errorMessage,omitempty"`
	CreatedAt     time.Time            `bson:"createdAt"`
	ProcessedAt   *time.Time           `bson:"processedAt,omitempty"`
	LastAttemptAt *time.Time           `bson:"lastAttemptAt,omitempty"`
}

// EnsureIndexes crea los índices de consulta del publicador.
func (r *OutboxRepoMongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := r.outbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "sequenceId", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lastAttemptAt", Value: 1}}},
		{Keys: bson.D{{Key: "aggregateType", Value: 1}, {Key: "aggregateId", Value: 1}}},
		{Keys: bson.D{{Key: "customerId", Value: 1}}},
	})
	return err
}

// WriteToOutbox inserta el evento en la sesión transaccional del llamante.
func (r *OutboxRepoMongoDB) WriteToOutbox(sc mongo.SessionContext, evt *domain.OutboxEvent) error {
	if sc == nil {
		return domain.ErrTransactionRequired
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	seq, err := r.nextSequence(sc)
	if err != nil {
		return err
	}
	evt.SequenceID = seq

	doc := mongoOutboxEvent{
		EventID:       evt.EventID,
		SequenceID:    seq,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		CustomerID:    evt.CustomerID,
		Payload:       string(evt.Payload),
		Metadata:      evt.Metadata,
		Status:        string(domain.StatusPending),
		CreatedAt:     evt.CreatedAt.UTC(),
	}
	if _, err := r.outbox.InsertOne(sc, doc); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// InTransaction ejecuta fn en una transacción; es el punto de entrada para que
// los servicios escriban su cambio de negocio y el evento juntos.
func (r *OutboxRepoMongoDB) InTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (r *OutboxRepoMongoDB) nextSequence(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": outboxCounterID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate outbox sequence: %w", err)
	}
	return counter.Seq, nil
}

func (r *OutboxRepoMongoDB) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "sequenceId", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.outbox.Find(ctx, bson.M{"status": string(domain.StatusPending)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []domain.OutboxEvent
	for cursor.Next(ctx) {
		var mo mongoOutboxEvent
		if err := cursor.Decode(&mo); err != nil {
			return nil, err
		}
		out = append(out, fromMongoOutboxEvent(&mo))
	}
	return out, cursor.Err()
}

// MarkProcessed actualiza el documento y registra el ledger del publicador en una transacción.
func (r *OutboxRepoMongoDB) MarkProcessed(ctx context.Context, evt domain.OutboxEvent, at time.Time) error {
	return r.InTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := r.outbox.UpdateOne(sc,
			bson.M{"_id": evt.EventID},
			bson.M{
				"$set":   bson.M{"status": string(domain.StatusProcessed), "processedAt": at.UTC()},
				"$unset": bson.M{"errorMessage": ""},
			},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s", domain.ErrEventNotFound, evt.EventID)
		}
		return upsertLedger(sc, r.ledger, evt.EventID, evt.EventType, at)
	})
}

func (r *OutboxRepoMongoDB) MarkFailed(ctx context.Context, eventID, reason string, at time.Time) (int, error) {
	var mo mongoOutboxEvent
	err := r.outbox.FindOneAndUpdate(ctx,
		bson.M{"_id": eventID},
		bson.M{
			"$set": bson.M{"status": string(domain.StatusFailed), "errorMessage": reason, "lastAttemptAt": at.UTC()},
			"$inc": bson.M{"retryCount": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&mo)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err != nil {
		return 0, err
	}
	return mo.RetryCount, nil
}

func (r *OutboxRepoMongoDB) ResetRetryable(ctx context.Context, maxRetries int, failedBefore time.Time) (int64, error) {
	res, err := r.outbox.UpdateMany(ctx,
		bson.M{
			"status":        string(domain.StatusFailed),
			"retryCount":    bson.M{"$lt": maxRetries},
			"lastAttemptAt": bson.M{"$lt": failedBefore.UTC()},
		},
		bson.M{
			"$set":   bson.M{"status": string(domain.StatusPending)},
			"$unset": bson.M{"errorMessage": ""},
		},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *OutboxRepoMongoDB) Stats(ctx context.Context, maxRetries int) (domain.OutboxStats, error) {
	var st domain.OutboxStats
	counts := []struct {
		filter bson.M
		dst    *int64
	}{
		{bson.M{"status": string(domain.StatusPending)}, &st.Pending},
		{bson.M{"status": string(domain.StatusProcessed)}, &st.Processed},
		{bson.M{"status": string(domain.StatusFailed)}, &st.Failed},
		{bson.M{"status": string(domain.StatusFailed), "retryCount": bson.M{"$gte": maxRetries}}, &st.Exhausted},
	}
	for _, c := range counts {
		n, err := r.outbox.CountDocuments(ctx, c.filter)
		if err != nil {
			return st, err
		}
		*c.dst = n
	}
	return st, nil
}

func fromMongoOutboxEvent(mo *mongoOutboxEvent) domain.OutboxEvent {
	return domain.OutboxEvent{
		SequenceID:    mo.SequenceID,
		EventID:       mo.EventID,
		EventType:     mo.EventType,
		AggregateType: mo.AggregateType,
		AggregateID:   mo.AggregateID,
		CustomerID:    mo.CustomerID,
		Payload:       json.RawMessage(mo.Payload),
		Metadata:      mo.Metadata,
		Status:        domain.Status(mo.Status),
		RetryCount:    mo.RetryCount,
		ErrorMessage:  mo.ErrorMessage,
		CreatedAt:     mo.CreatedAt.UTC(),
		ProcessedAt:   mo.ProcessedAt,
		LastAttemptAt: mo.LastAttemptAt,
	}
}

// Verificación en tiempo de compilación.
var _ domain.OutboxRepository = (*OutboxRepoMongoDB)(nil)
