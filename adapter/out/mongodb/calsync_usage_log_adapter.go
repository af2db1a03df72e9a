package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
)

const collectionUsageLogs = "usage_logs"

// UsageLogAdapter implements out.UsageLogSink using MongoDB. One document
// per pipeline invocation; the collection is append-only.
type UsageLogAdapter struct {
	collection *mongo.Collection
}

func NewUsageLogAdapter(db *mongo.Database) *UsageLogAdapter {
	return &UsageLogAdapter{collection: db.Collection(collectionUsageLogs)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *UsageLogAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "site_id", Value: 1},
				{Key: "at", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (a *UsageLogAdapter) Write(ctx context.Context, entry *domain.UsageLogEntry) error {
	_, err := a.collection.InsertOne(ctx, entry)
	return err
}

func (a *UsageLogAdapter) ListBySite(ctx context.Context, siteID int64, limit int) ([]*domain.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, bson.M{"site_id": siteID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*domain.UsageLogEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ out.UsageLogSink = (*UsageLogAdapter)(nil)
