package cache

import (
	"testing"
	"time"

	appstoredomain "github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2066, 1, 2, 0, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](clk.Now)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Purge()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestProductCacheSkipsEmptyMappings(t *testing.T) {
	c := NewProductCache()

	c.SetProduct(appstoredomain.ProductMapping{ProductID: "p"})
	_, ok := c.GetProduct("p")
	assert.False(t, ok)

	c.SetProduct(appstoredomain.ProductMapping{ID: 1, ProductID: "p", SubscriptionTypeID: 7})
	got, ok := c.GetProduct(" p ")
	assert.True(t, ok)
	assert.Equal(t, int64(7), got.SubscriptionTypeID)

	c.InvalidateProduct("p")
	_, ok = c.GetProduct("p")
	assert.False(t, ok)
}
