package telemetry

import (
	"context"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// FileSink appends telemetry lines to an append-only JSON-lines file, per
// the optional TELEMETRY_PATH configuration.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens path for append, creating it if necessary.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return err
	}
	_, err := s.f.Write([]byte("\n"))
	return err
}

func (s *FileSink) Close() error { return s.f.Close() }

// RedisSink LPUSHes each telemetry line onto a capped list, for operators
// without local disk access to the daemon process. Optional persistence
// sink ("use an interface with a no-op default
// implementation"); grounded on the Redis client wiring in
// registry/cmd/registry/main.go.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisSink connects to addr and returns a sink that pushes onto key,
// trimming the list to maxLen entries.
func NewRedisSink(addr, password, key string, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if key == "" {
		key = "brokerd:telemetry"
	}
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}, nil
}

func (s *RedisSink) Write(line []byte) error {
	ctx := context.Background()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, line)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error { return s.client.Close() }

// MongoSink persists every telemetry event it receives as one document; it
// does not filter by event type.
// Optional persistence sink; grounded on the client-construction style in
// features/session/mongo/clients/mongo/client.go.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoSink connects to uri and targets database/collection for writes.
func NewMongoSink(ctx context.Context, uri, database, collection string) (*MongoSink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if collection == "" {
		collection = "telemetry_events"
	}
	return &MongoSink{client: client, coll: client.Database(database).Collection(collection)}, nil
}

func (s *MongoSink) Write(line []byte) error {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(line, false, &doc); err != nil {
		// Fall back to storing the raw line if it isn't valid extended JSON;
		// this keeps a non-fatal telemetry sink from ever blocking call
		// execution on a marshaling edge case.
		doc = bson.M{"raw": string(line)}
	}
	_, err := s.coll.InsertOne(context.Background(), doc)
	return err
}

func (s *MongoSink) Close() error { return s.client.Disconnect(context.Background()) }
