package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolConfig содержит настройки пула соединений PostgreSQL
type PoolConfig struct {
	DSN         string
	MaxConns    int32
	IdleTimeout time.Duration
	// Попытки подключения при старте (БД в docker-compose поднимается не сразу)
	ConnectAttempts int
	RetryDelay      time.Duration
}

// Connect создает пул и ждет успешного Ping.
func Connect(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		if err == nil {
			err = pool.Ping(connCtx)
			if err != nil {
				pool.Close()
			}
		}
		cancel()
		if err == nil {
			logger.Info("Connected to PostgreSQL", zap.Int("attempt", attempt), zap.Int32("max_conns", poolCfg.MaxConns))
			return pool, nil
		}
		lastErr = err
		logger.Warn("Failed to connect to PostgreSQL, retrying", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("postgres not reachable after %d attempts: %w", attempts, lastErr)
}

// TxBeginner - то, что умеет начинать транзакцию (pgxpool.Pool, pgx.Conn).
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTransaction выполняет fn в транзакции. Ошибка или паника откатывают транзакцию.
func WithTransaction(ctx context.Context, db TxBeginner, logger *zap.Logger, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("Failed to rollback transaction after panic", zap.Error(rbErr), zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("Failed to rollback transaction", zap.Error(rbErr), zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
