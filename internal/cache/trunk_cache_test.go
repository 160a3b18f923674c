package cache

import (
	"sync"
	"testing"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrunkCachePutAndFind(t *testing.T) {
	c := NewTrunkCache()
	require.NoError(t, c.Put(&domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15551234567"}}))

	got, ok := c.FindByNumber("+1 555 123 4567")
	require.True(t, ok)
	assert.Equal(t, "ST_a", got.TrunkID)

	_, ok = c.FindByNumber("+15550000000")
	assert.False(t, ok)
	_, ok = c.FindByNumber("")
	assert.False(t, ok)

	byID, ok := c.Get("ST_a")
	require.True(t, ok)
	assert.Equal(t, []string{"+15551234567"}, byID.Numbers)
	assert.Equal(t, 1, c.Count())
}

func TestTrunkCacheReturnsCopies(t *testing.T) {
	c := NewTrunkCache()
	orig := &domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15551234567"}}
	require.NoError(t, c.Put(orig))

	orig.Numbers[0] = "+19999999999"
	got, _ := c.Get("ST_a")
	assert.Equal(t, "+15551234567", got.Numbers[0])

	got.Numbers[0] = "+18888888888"
	again, _ := c.Get("ST_a")
	assert.Equal(t, "+15551234567", again.Numbers[0])
}

func TestTrunkCacheFirstOwnerKeepsNumber(t *testing.T) {
	c := NewTrunkCache()
	require.NoError(t, c.Put(&domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15551234567"}}))
	require.NoError(t, c.Put(&domain.Trunk{TrunkID: "ST_b", Numbers: []string{"+15551234567"}}))

	got, ok := c.FindByNumber("+15551234567")
	require.True(t, ok)
	assert.Equal(t, "ST_a", got.TrunkID)
}

func TestTrunkCacheReplaceReindexes(t *testing.T) {
	c := NewTrunkCache()
	require.NoError(t, c.Put(&domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15551111111"}}))
	require.NoError(t, c.Put(&domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15552222222"}}))

	_, ok := c.FindByNumber("+15551111111")
	assert.False(t, ok)
	_, ok = c.FindByNumber("+15552222222")
	assert.True(t, ok)
}

func TestTrunkCacheRejectsInvalid(t *testing.T) {
	c := NewTrunkCache()
	assert.Error(t, c.Put(nil))
	assert.Error(t, c.Put(&domain.Trunk{}))
}

func TestTrunkCacheConcurrentAccess(t *testing.T) {
	c := NewTrunkCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Put(&domain.Trunk{TrunkID: "ST_a", Numbers: []string{"+15551234567"}})
		}()
		go func() {
			defer wg.Done()
			c.FindByNumber("+15551234567")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Count())
}
