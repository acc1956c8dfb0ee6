package backend

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phietala/belt/pkg/api"
)

// MongoBackend is a result store backed by a MongoDB collection, one
// document per request id.
type MongoBackend struct {
	coll *mongo.Collection
}

// Ensure MongoBackend implements Backend.
var _ api.Backend = (*MongoBackend)(nil)

// NewMongoBackend creates a Mongo-backed result store. dbName defaults
// to "belt" if empty, collName defaults to "results". The client is
// owned by the caller.
func NewMongoBackend(client *mongo.Client, dbName, collName string) *MongoBackend {
	if dbName == "" {
		dbName = "belt"
	}
	if collName == "" {
		collName = "results"
	}

	return &MongoBackend{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoResultDoc struct {
	ID      string `bson:"_id"`
	Name    string `bson:"name"`
	State   string `bson:"state"`
	Value   []byte `bson:"value,omitempty"`
	Error   string `bson:"error,omitempty"`
	Retries int    `bson:"retries"`
	At      int64  `bson:"at"`
}

func (b *MongoBackend) StoreResult(ctx context.Context, requestID string, res *api.ResultMeta) error {
	errStr, err := encodeErrorInfo(res.Error)
	if err != nil {
		return err
	}

	doc := mongoResultDoc{
		ID:      requestID,
		Name:    res.Name,
		State:   string(res.State),
		Value:   res.Value,
		Error:   errStr,
		Retries: res.Retries,
		At:      res.At.UnixNano(),
	}

	_, err = b.coll.ReplaceOne(ctx, bson.M{"_id": requestID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (b *MongoBackend) GetResult(ctx context.Context, requestID string) (*api.ResultMeta, error) {
	var doc mongoResultDoc
	err := b.coll.FindOne(ctx, bson.M{"_id": requestID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrResultNotFound
		}
		return nil, err
	}

	info, err := decodeErrorInfo(doc.Error)
	if err != nil {
		return nil, err
	}

	return &api.ResultMeta{
		RequestID: doc.ID,
		Name:      doc.Name,
		State:     api.ResultState(doc.State),
		Value:     doc.Value,
		Error:     info,
		Retries:   doc.Retries,
		At:        time.Unix(0, doc.At),
	}, nil
}

// Close is a no-op: the Mongo client is owned by the caller.
func (b *MongoBackend) Close() error { return nil }
