package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore maps collections one to one onto a MongoDB database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to uri and selects database.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.db.Collection(name), name: name}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

type mongoCollection struct {
	coll *mongo.Collection
	name string
}

func (c *mongoCollection) Name() string {
	return c.name
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := validCollection(c.name); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	batch := make([]any, len(docs))
	for i, d := range docs {
		cp, err := clone(d)
		if err != nil {
			return err
		}
		batch[i] = cp
	}
	if _, err := c.coll.InsertMany(ctx, batch); err != nil {
		return fmt.Errorf("mongodb insert into %s: %w", c.name, err)
	}
	return nil
}

func mongoFilter(f Filter) bson.M {
	if f.Field == "" {
		return bson.M{}
	}
	return bson.M{f.Field: f.Value}
}

func (c *mongoCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	cur, err := c.coll.Find(ctx, mongoFilter(f), options.Find().SetProjection(bson.M{"_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find in %s: %w", c.name, err)
	}
	defer cur.Close(ctx)

	var out []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongodb decode: %w", err)
		}
		doc, err := Encode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

func (c *mongoCollection) DeleteOne(ctx context.Context, f Filter) (Document, error) {
	res := c.coll.FindOneAndDelete(ctx, mongoFilter(f), options.FindOneAndDelete().SetProjection(bson.M{"_id": 0}))
	var raw bson.M
	if err := res.Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongodb delete in %s: %w", c.name, err)
	}
	return Encode(raw)
}

func (c *mongoCollection) Count(ctx context.Context, f Filter) (int, error) {
	n, err := c.coll.CountDocuments(ctx, mongoFilter(f))
	if err != nil {
		return 0, fmt.Errorf("mongodb count in %s: %w", c.name, err)
	}
	return int(n), nil
}
