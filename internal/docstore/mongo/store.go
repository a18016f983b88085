// Package mongo implements docstore.Store on one MongoDB collection keyed by document path.
// Live queries use change streams, so the deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"presence-agent/internal/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// CollectionName is the MongoDB collection holding every document.
const CollectionName = "documents"

// codeUnauthorized is the server error code for an unauthorized command.
const codeUnauthorized = 13

type record struct {
	Path       string    `bson:"_id"`
	Collection string    `bson:"collection"`
	Data       bson.M    `bson:"data"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

// Store is a docstore.Store backed by MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// Connect dials uri, pings the primary and returns a Store using database dbName.
func Connect(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Store, error) {
	if uri == "" {
		return nil, errors.New("docstore: MONGO_URI is empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return New(client, dbName, logger), nil
}

// New wraps an existing client.
func New(client *mongo.Client, dbName string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		coll:   client.Database(dbName).Collection(CollectionName),
		logger: logger.Named("docstore.mongo"),
	}
}

// EnsureIndexes creates the collection index used by queries.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "collection", Value: 1}}})
	return mapErr(err)
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if _, _, err := docstore.Split(path); err != nil {
		return nil, err
	}
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": path}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return toDocument(rec)
}

func (s *Store) Set(ctx context.Context, path string, m docstore.Mutation) error {
	collection, _, err := docstore.Split(path)
	if err != nil {
		return err
	}
	fields, err := docstore.Normalize(m.Fields)
	if err != nil {
		return err
	}
	onInsert, err := docstore.Normalize(m.SetOnInsert)
	if err != nil {
		return err
	}
	set := bson.M{"collection": collection, "updatedAt": time.Now().UTC()}
	for k, v := range fields {
		set["data."+k] = v
	}
	update := bson.M{"$set": set}
	insertOnly := bson.M{}
	for k, v := range onInsert {
		if _, dup := fields[k]; !dup {
			insertOnly["data."+k] = v
		}
	}
	if len(insertOnly) > 0 {
		update["$setOnInsert"] = insertOnly
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": path}, update, options.Update().SetUpsert(true))
	return mapErr(err)
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, _, err := docstore.Split(path); err != nil {
		return err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range norm {
		set["data."+k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": path}, bson.M{"$set": set})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := docstore.Split(path); err != nil {
		return err
	}
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": path})
	return mapErr(err)
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if !docstore.ValidCollection(q.Collection) {
		return nil, fmt.Errorf("%w: %q is not a collection path", docstore.ErrInvalidPath, q.Collection)
	}
	filter := bson.M{"collection": q.Collection}
	for _, f := range q.Filters {
		v, err := docstore.NormalizeValue(f.Value)
		if err != nil {
			return nil, err
		}
		filter["data."+f.Field] = v
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mapErr(err)
	}
	defer cur.Close(ctx)
	var out []*docstore.Document
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		doc, err := toDocument(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// Watch opens a change stream on the paths of q.Collection. Each event triggers a re-query and diff.
func (s *Store) Watch(ctx context.Context, q docstore.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	pattern := "^" + regexp.QuoteMeta(q.Collection) + "/[^/]+$"
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: primitive.Regex{Pattern: pattern}}}}},
	}
	stream, err := s.coll.Watch(ctx, pipeline)
	if err != nil {
		return nil, mapErr(err)
	}
	initial, err := s.Query(ctx, q)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}
	if onSnapshot != nil {
		onSnapshot(docstore.Snapshot{Initial: true, Docs: initial, Changes: docstore.InitialChanges(initial)})
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	go s.watchLoop(wctx, stream, q, initial, onSnapshot, onError)

	var once sync.Once
	return docstore.SubscriptionFunc(func() {
		once.Do(func() {
			stop()
			cancel()
		})
	}), nil
}

func (s *Store) watchLoop(ctx context.Context, stream *mongo.ChangeStream, q docstore.Query, last []*docstore.Document,
	onSnapshot func(docstore.Snapshot), onError func(error)) {
	defer func() { _ = stream.Close(context.Background()) }()
	for stream.Next(ctx) {
		current, err := s.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			if errors.Is(err, docstore.ErrPermissionDenied) {
				return
			}
			continue
		}
		changes := docstore.Diff(last, current)
		last = current
		if len(changes) > 0 && onSnapshot != nil && ctx.Err() == nil {
			onSnapshot(docstore.Snapshot{Docs: current, Changes: changes})
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("change stream ended", zap.String("collection", q.Collection), zap.Error(err))
		if onError != nil {
			onError(mapErr(err))
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDocument(rec record) (*docstore.Document, error) {
	_, id, err := docstore.Split(rec.Path)
	if err != nil {
		return nil, err
	}
	data, err := docstore.Normalize(map[string]any(rec.Data))
	if err != nil {
		return nil, err
	}
	return &docstore.Document{ID: id, Path: rec.Path, Data: data, UpdateTime: rec.UpdatedAt.UTC()}, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeUnauthorized) {
		return fmt.Errorf("%w: %v", docstore.ErrPermissionDenied, err)
	}
	return err
}
