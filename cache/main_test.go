package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	if os.Getenv("REDIS_ADDR") != "" {
		os.Exit(m.Run())
	}

	container, addr := StartRedisContainer()
	os.Setenv("REDIS_ADDR", addr)

	code := m.Run()

	if err := container.Terminate(context.Background()); err != nil {
		fmt.Printf("could not terminate redis container: %v\n", err)
	}
	os.Exit(code)
}
