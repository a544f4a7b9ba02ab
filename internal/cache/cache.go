package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss возвращается, если ключа нет или срок его жизни истек.
var ErrMiss = errors.New("cache miss")

// Store - краткосрочное key/value хранилище с TTL.
// Отсутствие ключа это нормальное состояние, а не сбой.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
