package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/model"
)

// MongoStore keeps history items as documents of one collection
type MongoStore struct {
	collection *mongo.Collection
}

// ConnectMongo opens a client and pings the server
func ConnectMongo(ctx context.Context, cfg *config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetAuth(options.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return c, nil
}

// NewMongoStore creates the store and its user index
func NewMongoStore(ctx context.Context, db *mongo.Database, collectionName string) (*MongoStore, error) {
	coll := db.Collection(collectionName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}
	return &MongoStore{collection: coll}, nil
}

func (s *MongoStore) AddItem(ctx context.Context, userID string, item model.HistoryItem) (*model.HistoryItem, error) {
	item = prepare(userID, item)
	if _, err := s.collection.InsertOne(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to insert history item: %w", err)
	}
	return &item, nil
}

func (s *MongoStore) GetAllItems(ctx context.Context, userID string) ([]model.HistoryItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]model.HistoryItem, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return items, nil
}

func (s *MongoStore) RemoveItem(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete history item: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ClearAll(ctx context.Context, userID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
