package cache

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	redisContainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	client        *redis.Client
	getClientOnce sync.Once
)

// GetRedis returns a client for REDIS_ADDR, shared by the tests of a package.
func GetRedis(t *testing.T) *redis.Client {
	t.Helper()

	getClientOnce.Do(func() {
		client = NewRedisClient(os.Getenv("REDIS_ADDR"))
	})
	return client
}

// StartRedisContainer starts redis and returns the container with its host:port address.
func StartRedisContainer() (testcontainers.Container, string) {
	ctx := context.Background()
	container, err := redisContainer.RunContainer(ctx,
		testcontainers.WithImage("docker.io/redis:7"),
	)
	if err != nil {
		panic(err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		panic(err)
	}

	return container, strings.Replace(uri, "redis://", "", 1)
}
