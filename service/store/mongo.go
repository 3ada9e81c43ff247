package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConf struct {
	URI        string
	Database   string // default "warchat"
	Collection string // default "histories"
}

// MongoStore keeps one document per key: {_id: key, value: <bytes>}.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(c MongoConf) (*MongoStore, error) {
	if c.Database == "" {
		c.Database = "warchat"
	}
	if c.Collection == "" {
		c.Collection = "histories"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(c.Database).Collection(c.Collection),
	}, nil
}

type mongoDoc struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "mongo get %s", key)
	}
	return doc.Value, nil
}

func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoDoc{ID: key, Value: value},
		options.Replace().SetUpsert(true),
	)
	return errors.Wrapf(err, "mongo set %s", key)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
