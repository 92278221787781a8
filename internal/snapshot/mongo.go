package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCollection    = "documents"
	mongoSnapshotField = "yjsSnapshot"
)

// MongoStore keeps snapshots on the application's document records, in the
// yjsSnapshot field of the documents collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to uri and uses database for snapshots.
func NewMongoStore(uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(mongoCollection),
	}, nil
}

// documentFilter matches by ObjectID when the id is one, since the
// application keys documents that way, and by string otherwise.
func documentFilter(documentID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(documentID); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": documentID}
}

func (s *MongoStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var doc struct {
		Snapshot []byte `bson:"yjsSnapshot"`
	}
	opts := options.FindOne().SetProjection(bson.M{mongoSnapshotField: 1})
	err := s.collection.FindOne(ctx, documentFilter(documentID), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	if len(doc.Snapshot) == 0 {
		return nil, ErrNotFound
	}
	return doc.Snapshot, nil
}

func (s *MongoStore) Save(ctx context.Context, documentID string, data []byte) error {
	update := bson.M{
		"$set": bson.M{
			mongoSnapshotField: data,
			"lastModified":     time.Now(),
		},
	}
	_, err := s.collection.UpdateOne(ctx, documentFilter(documentID), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (s *MongoStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{mongoSnapshotField: bson.M{"$exists": true}})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"document_count": count}, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
