// Package audit records one document per rule trigger to MongoDB, an
// operator-facing trail distinct from the Rules Engine's own
// LastTriggered/TimesTriggered bookkeeping. Narrowed from a generic
// Mongo executor down to a single insertOne call.
package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Trail inserts one document per rule trigger. A nil Trail
// (Config.Enabled false) makes every Record a no-op.
type Trail struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *zap.Logger
}

// New connects to MongoDB and pings it, or returns nil with no error
// if enabled is false.
func New(enabled bool, uri, database, collection string, log *zap.Logger) (*Trail, error) {
	if !enabled {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	return &Trail{
		client:     client,
		collection: client.Database(database).Collection(collection),
		log:        log,
	}, nil
}

// Record inserts a single rule-trigger document. Failures are logged
// and swallowed, same posture as telemetry.Sink.Record.
func (t *Trail) Record(ruleID, ruleName, owner string, actionCount int, at time.Time) {
	if t == nil {
		return
	}
	doc := bson.M{
		"rule_id":      ruleID,
		"rule_name":    ruleName,
		"owner":        owner,
		"action_count": actionCount,
		"triggered_at": at,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := t.collection.InsertOne(ctx, doc); err != nil && t.log != nil {
		t.log.Warn("audit write failed", zap.Error(err))
	}
}

// Close disconnects the underlying client. Safe to call on a nil Trail.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.client.Disconnect(ctx)
}
