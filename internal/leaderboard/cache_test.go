package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheHitWhileFresh(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	_, _, ok := c.Get(ctx, 64)
	assert.False(t, ok)

	c.Set(ctx, 64, &Payload{OK: true, GameID: 64, GameName: "Rocket Run"})

	p, age, ok := c.Get(ctx, 64)
	require.True(t, ok)
	assert.Equal(t, 64, p.GameID)
	assert.GreaterOrEqual(t, age, time.Duration(0))
	assert.Less(t, age, time.Minute)

	// Other game ids are independent.
	_, _, ok = c.Get(ctx, 65)
	assert.False(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(30 * time.Millisecond)
	ctx := context.Background()

	c.Set(ctx, 64, &Payload{OK: true, GameID: 64})
	time.Sleep(50 * time.Millisecond)

	_, _, ok := c.Get(ctx, 64)
	assert.False(t, ok)
}

func TestMemoryCacheGetReturnsCopy(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	c.Set(ctx, 64, &Payload{OK: true, GameID: 64, GameName: "Rocket Run"})

	p1, _, _ := c.Get(ctx, 64)
	p1.GameName = "mutated"

	p2, _, ok := c.Get(ctx, 64)
	require.True(t, ok)
	assert.Equal(t, "Rocket Run", p2.GameName)
}
