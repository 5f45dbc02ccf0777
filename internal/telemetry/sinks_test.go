package telemetry

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	redisContainer testcontainers.Container
	redisAddr      string
	skipRedisTests bool

	mongoContainer testcontainers.Container
	mongoURI       string
	skipMongoTests bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	setupRedisContainer(ctx)
	setupMongoContainer(ctx)
	code := m.Run()
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
	}
	if mongoContainer != nil {
		_ = mongoContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func setupRedisContainer(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("docker not available, redis sink tests will be skipped: %v\n", r)
			skipRedisTests = true
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Printf("docker not available, redis sink tests will be skipped: %v\n", err)
		skipRedisTests = true
		return
	}
	redisContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		skipRedisTests = true
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		skipRedisTests = true
		return
	}
	redisAddr = fmt.Sprintf("%s:%s", host, port.Port())
}

func setupMongoContainer(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("docker not available, mongo sink tests will be skipped: %v\n", r)
			skipMongoTests = true
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Printf("docker not available, mongo sink tests will be skipped: %v\n", err)
		skipMongoTests = true
		return
	}
	mongoContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	mongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
}

func TestRedisSinkPushesAndTrims(t *testing.T) {
	if skipRedisTests {
		t.Skip("docker not available, skipping redis sink test")
	}

	sink, err := NewRedisSink(redisAddr, "", "brokerd:telemetry:test", 2)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write([]byte(`{"event":"one"}`)))
	require.NoError(t, sink.Write([]byte(`{"event":"two"}`)))
	require.NoError(t, sink.Write([]byte(`{"event":"three"}`)))

	length, err := sink.client.LLen(context.Background(), "brokerd:telemetry:test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	newest, err := sink.client.LIndex(context.Background(), "brokerd:telemetry:test", 0).Result()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"three"}`, newest)
}

func TestNewRedisSinkRejectsUnreachableServer(t *testing.T) {
	_, err := NewRedisSink("127.0.0.1:1", "", "brokerd:telemetry:unreachable", 10)
	require.Error(t, err)
}

func TestMongoSinkInsertsExtendedJSONDocument(t *testing.T) {
	if skipMongoTests {
		t.Skip("docker not available, skipping mongo sink test")
	}

	sink, err := NewMongoSink(context.Background(), mongoURI, "brokerd_test", t.Name())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write([]byte(`{"event":"tool_call_complete","tool":"echo"}`)))

	client, err := mongo.Connect(options.Client().ApplyURI(mongoURI))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	var doc bson.M
	err = client.Database("brokerd_test").Collection(t.Name()).FindOne(context.Background(), bson.M{"event": "tool_call_complete"}).Decode(&doc)
	require.NoError(t, err)
	assert.Equal(t, "echo", doc["tool"])
}

func TestMongoSinkFallsBackToRawOnInvalidExtendedJSON(t *testing.T) {
	if skipMongoTests {
		t.Skip("docker not available, skipping mongo sink test")
	}

	sink, err := NewMongoSink(context.Background(), mongoURI, "brokerd_test", t.Name())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write([]byte("not json")))

	client, err := mongo.Connect(options.Client().ApplyURI(mongoURI))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	var doc bson.M
	err = client.Database("brokerd_test").Collection(t.Name()).FindOne(context.Background(), bson.M{"raw": "not json"}).Decode(&doc)
	require.NoError(t, err)
}

func TestNewMongoSinkRejectsUnreachableURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewMongoSink(ctx, "mongodb://127.0.0.1:1/?connectTimeoutMS=500&serverSelectionTimeoutMS=500", "brokerd_test", "unreachable")
	require.Error(t, err)
}
