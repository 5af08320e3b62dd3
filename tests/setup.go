// Package tests contains integration tests that need real infrastructure.
package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vaintrub/azdo-roster/internal/cache"
)

const redisImage = "redis:7-alpine"

// Env holds the test environment containers and clients.
type Env struct {
	RedisContainer testcontainers.Container
	RedisURL       string
	Redis          *redis.Client
}

// Setup starts a Redis container and connects to it.
func Setup(ctx context.Context) (*Env, error) {
	env := &Env{}

	redisReq := testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(60 * time.Second),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: redisReq,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}
	env.RedisContainer = redisContainer

	host, err := redisContainer.Host(ctx)
	if err != nil {
		env.Teardown(ctx)
		return nil, fmt.Errorf("failed to get Redis host: %w", err)
	}
	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		env.Teardown(ctx)
		return nil, fmt.Errorf("failed to get Redis port: %w", err)
	}
	env.RedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())

	opt, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		env.Teardown(ctx)
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	env.Redis = redis.NewClient(opt)
	if err := env.Redis.Ping(ctx).Err(); err != nil {
		env.Teardown(ctx)
		return nil, fmt.Errorf("redis not ready: %w", err)
	}

	return env, nil
}

// Store returns a cache store on a fresh connection.
func (env *Env) Store(ctx context.Context) (*cache.RedisStore, error) {
	return cache.NewRedisStore(ctx, env.RedisURL)
}

// Teardown cleans up the test environment.
func (env *Env) Teardown(ctx context.Context) {
	if env.Redis != nil {
		_ = env.Redis.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
}
