// Package mongo implements store.Store on a MongoDB collection. Each key is
// one document:
//
//	{_id: <key>, value: <bytes>, rev: <string>, expires_at: <date>}
//
// A TTL index on expires_at lets the server reap expired documents. The TTL
// monitor runs about once a minute, so reads also filter on expires_at.
// Update is optimistic: the replacement only matches the revision that was
// read.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/stageflow/runtime/workflow/store"
)

const (
	defaultCollection = "workflow_state"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "workflow-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database holds the collection. Required.
		Database string
		// Collection defaults to "workflow_state".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
		// Retries bounds Update attempts. Defaults to
		// store.DefaultUpdateRetries.
		Retries int
		// Clock evaluates expiry on reads. Defaults to time.Now.
		Clock func() time.Time
	}

	// Store implements store.Store and health.Pinger.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
		retries int
		now     func() time.Time
	}

	document struct {
		Key       string     `bson:"_id"`
		Value     []byte     `bson:"value"`
		Rev       string     `bson:"rev"`
		ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	}
)

var _ store.Store = (*Store)(nil)

// New returns a Store on the configured collection and creates the TTL
// index if it is missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	s := &Store{
		client:  opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(name),
		timeout: opts.Timeout,
		retries: opts.Retries,
		now:     opts.Clock,
	}
	if s.timeout <= 0 {
		s.timeout = defaultOpTimeout
	}
	if s.retries <= 0 {
		s.retries = store.DefaultUpdateRetries
	}
	if s.now == nil {
		s.now = time.Now
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := ensureIndexes(ctx, s.coll); err != nil {
		return nil, mapError("create indexes", name, err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.load(ctx, key)
	if err != nil {
		return nil, mapError("get", key, err)
	}
	return doc.Value, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := s.newDocument(key, value, ttl)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return mapError("set", key, err)
	}
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	for range s.retries {
		cur, err := s.load(ctx, key)
		if err != nil {
			return mapError("update", key, err)
		}
		next, err := fn(cur.Value)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		matched, err := s.replace(ctx, cur, s.newDocument(key, next, ttl))
		if err != nil {
			return mapError("update", key, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("update %s: %w", key, store.ErrConflict)
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := liveFilter(s.now())
	filter["_id"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError("keys", prefix, err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var keys []string
	for cur.Next(ctx) {
		var doc struct {
			Key string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, mapError("keys", prefix, err)
		}
		keys = append(keys, doc.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, mapError("keys", prefix, err)
	}
	return keys, nil
}

func (s *Store) load(ctx context.Context, key string) (document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := liveFilter(s.now())
	filter["_id"] = key
	var doc document
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	return doc, err
}

// replace writes next if the stored revision still matches cur.
func (s *Store) replace(ctx context.Context, cur, next document) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": cur.Key, "rev": cur.Rev}, next)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) newDocument(key string, value []byte, ttl time.Duration) document {
	doc := document{Key: key, Value: value, Rev: uuid.NewString()}
	if ttl > 0 {
		at := s.now().Add(ttl).UTC()
		doc.ExpiresAt = &at
	}
	return doc
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// liveFilter matches documents that have not expired at now.
func liveFilter(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$gt": now.UTC()}},
		bson.M{"expires_at": bson.M{"$exists": false}},
	}}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	ttl := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	_, err := coll.Indexes().CreateOne(ctx, ttl)
	return err
}

func mapError(op, key string, err error) error {
	switch {
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return fmt.Errorf("%s %s: %w", op, key, store.ErrNotFound)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s %s: %w: %w", op, key, store.ErrUnavailable, err)
	}
}
