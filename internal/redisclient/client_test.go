package redisclient

import (
	"testing"

	"order-workflow/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAdjustArgs(t *testing.T) {
	intent := &models.AdjustStockIntent{
		BaseIntent: models.BaseIntent{IdempotencyKey: "5:3:17"},
		Direction:  models.StockDecrement,
		Lines: []models.StockLine{
			{ProductID: 10, Quantity: 2},
			{ProductID: 11, Quantity: 1},
		},
	}

	keys, args := adjustArgs(intent)

	assert.Equal(t, []string{"stock:applied:5:3:17", "inventory:10", "inventory:11"}, keys)
	assert.Equal(t, []interface{}{int64(604800), -2, -1}, args)

	intent.Direction = models.StockIncrement
	_, args = adjustArgs(intent)
	assert.Equal(t, []interface{}{int64(604800), 2, 1}, args)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:order:42", lockKey(42))
}
