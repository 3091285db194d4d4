// Package mongodriver executes compiled pipelines and writes against a
// MongoDB database. Conn implements the core.Executor interface.
package mongodriver

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/mongorel/mongorel/core"
)

// Conn holds a client and the database all operations run against.
type Conn struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
	// introspected caches per-collection discovery results.
	introspected *lru.Cache
}

// Option configures a Conn.
type Option func(*Conn)

// OptionSetLogger sets the logger; the default discards everything.
func OptionSetLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// NewConn connects to the given URI and database. The initial ping is
// retried a few times so callers tolerate a database still starting up.
func NewConn(ctx context.Context, uri, database string, opts ...Option) (*Conn, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: connect: %w", err)
	}
	c := &Conn{client: client, db: client.Database(database), log: zap.NewNop()}
	c.introspected, _ = lru.New(introspectCacheSize)
	for _, op := range opts {
		op(c)
	}

	err = retry.Do(
		func() error { return client.Ping(ctx, readpref.Primary()) },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("ping failed, retrying", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodriver: ping: %w", err)
	}
	c.log.Info("connected", zap.String("database", database))
	return c, nil
}

// Close disconnects the underlying client.
func (c *Conn) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Aggregate runs a pipeline and streams the resulting documents.
func (c *Conn) Aggregate(ctx context.Context, collection string, stages []bson.D) (core.Cursor, error) {
	c.log.Debug("aggregate",
		zap.String("collection", collection),
		zap.Int("stages", len(stages)))
	cur, err := c.db.Collection(collection).Aggregate(ctx, stages)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: aggregate %s: %w", collection, err)
	}
	return &cursor{cur: cur}, nil
}

// UpdateMany applies an update document to every matching document and
// reports how many matched. A $set that leaves a document unchanged still
// counts.
func (c *Conn) UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error) {
	res, err := c.db.Collection(collection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongodriver: update %s: %w", collection, mapWriteErr(err))
	}
	return res.MatchedCount, nil
}

// DeleteMany removes every matching document.
func (c *Conn) DeleteMany(ctx context.Context, collection string, filter any) (int64, error) {
	res, err := c.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongodriver: delete %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// mapWriteErr folds driver-specific duplicate key errors into the sentinel
// callers match against.
func mapWriteErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
	}
	return err
}

// cursor adapts a driver cursor to the core.Cursor interface.
type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }
func (c *cursor) Decode(v any) error              { return c.cur.Decode(v) }
func (c *cursor) Err() error                      { return c.cur.Err() }
func (c *cursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
