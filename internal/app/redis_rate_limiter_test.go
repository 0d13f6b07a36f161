package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLimiter_KeyIsScopedToTransactionCreation(t *testing.T) {
	c := NewCreateLimiter(nil, " pixgate:rl: ", 5)
	assert.Equal(t, "pixgate:rl:create_transaction:u-1", c.key("u-1"))

	c = NewCreateLimiter(nil, "", 5)
	assert.Equal(t, "pixgate:rate_limit:create_transaction:u-1", c.key("u-1"))
}

func TestCreateLimiter_DisabledAllows(t *testing.T) {
	var nilLimiter *CreateLimiter
	for name, c := range map[string]*CreateLimiter{
		"nil":       nilLimiter,
		"no client": NewCreateLimiter(nil, "", 5),
	} {
		allowed, retry, err := c.Allow(context.Background(), "u-1")
		require.NoError(t, err, name)
		assert.True(t, allowed, name)
		assert.Zero(t, retry, name)
	}
}

func TestParseWindowReply(t *testing.T) {
	count, ttl, err := parseWindowReply([]interface{}{int64(3), int64(1500)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, int64(1500), ttl)

	_, _, err = parseWindowReply("OK")
	assert.Error(t, err)
	_, _, err = parseWindowReply([]interface{}{"3", int64(1)})
	assert.Error(t, err)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(1000))
	assert.Equal(t, 2, retryAfterSeconds(1001))
	assert.Equal(t, 60, retryAfterSeconds(60000))
}
