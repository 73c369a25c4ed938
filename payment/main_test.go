package payment_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/db"
)

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	if os.Getenv("POSTGRES_URL") == "" {
		container, url := db.StartPostgresContainer()
		os.Setenv("POSTGRES_URL", url)
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				fmt.Printf("could not terminate postgres container: %v\n", err)
			}
		}()
	}

	if os.Getenv("REDIS_ADDR") == "" {
		container, addr := cache.StartRedisContainer()
		os.Setenv("REDIS_ADDR", addr)
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				fmt.Printf("could not terminate redis container: %v\n", err)
			}
		}()
	}

	return m.Run()
}
