package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

//go:embed scripts/adjust_stock.lua
var adjustStockScript string

// appliedTTL bounds how long an applied idempotency key is remembered.
const appliedTTL = 7 * 24 * time.Hour

type Client struct {
	rdb          *redis.Client
	adjustScript *redis.Script
	logger       *zap.Logger
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		adjustScript: redis.NewScript(adjustStockScript),
		logger:       util.GetLogger(),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func inventoryKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

func appliedKey(idempotencyKey string) string {
	return fmt.Sprintf("stock:applied:%s", idempotencyKey)
}

// adjustArgs builds the KEYS and ARGV of the adjust script for intent.
func adjustArgs(intent *models.AdjustStockIntent) ([]string, []interface{}) {
	keys := make([]string, 0, len(intent.Lines)+1)
	args := make([]interface{}, 0, len(intent.Lines)+1)

	keys = append(keys, appliedKey(intent.IdempotencyKey))
	args = append(args, int64(appliedTTL/time.Second))
	for _, line := range intent.Lines {
		keys = append(keys, inventoryKey(line.ProductID))
		args = append(args, line.Delta(intent.Direction))
	}
	return keys, args
}

// AdjustStock applies every line of intent in one atomic script run.
// A redelivered intent is recognized by its idempotency key and reported as
// not applied.
func (c *Client) AdjustStock(ctx context.Context, intent *models.AdjustStockIntent) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Redis.AdjustStock")
	defer span.End()

	keys, args := adjustArgs(intent)
	result, err := c.adjustScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		util.StockAdjustmentsTotal.WithLabelValues(string(intent.Direction), "error").Inc()
		return false, fmt.Errorf("adjust stock script failed: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	outcome := "applied"
	if applied != 1 {
		outcome = "duplicate"
		c.logger.Info("Stock adjustment already applied",
			zap.String("idempotency_key", intent.IdempotencyKey))
	}
	util.StockAdjustmentsTotal.WithLabelValues(string(intent.Direction), outcome).Inc()
	return applied == 1, nil
}

// SetStock initializes the available count of a product
func (c *Client) SetStock(ctx context.Context, productID int64, available int) error {
	return c.rdb.HSet(ctx, inventoryKey(productID), "available", available).Err()
}

// GetStock retrieves the available count of a product
func (c *Client) GetStock(ctx context.Context, productID int64) (int, error) {
	result, err := c.rdb.HGet(ctx, inventoryKey(productID), "available").Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("inventory not found for product %d", productID)
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(result)
}
