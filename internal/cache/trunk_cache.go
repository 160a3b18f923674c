package cache

import (
	"fmt"
	"sync"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// TrunkCache keeps outbound trunks for the process lifetime, indexed by id and by phone number.
type TrunkCache struct {
	trunks      map[string]*domain.Trunk // trunk_id -> trunk
	numberIndex map[string]string        // digits of number -> trunk_id
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewTrunkCache returns an empty trunk cache.
func NewTrunkCache() *TrunkCache {
	return &TrunkCache{
		trunks:      make(map[string]*domain.Trunk),
		numberIndex: make(map[string]string),
		logger:      logger.Named("trunk_cache"),
	}
}

// Get returns a copy of the trunk with the given id.
func (c *TrunkCache) Get(trunkID string) (*domain.Trunk, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	t, ok := c.trunks[trunkID]
	if !ok {
		return nil, false
	}
	return c.copyTrunk(t), true
}

// FindByNumber returns a copy of the cached trunk whose number set contains number.
func (c *TrunkCache) FindByNumber(number string) (*domain.Trunk, bool) {
	key := domain.Digits(number)
	if key == "" {
		return nil, false
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	id, ok := c.numberIndex[key]
	if !ok {
		return nil, false
	}
	t, ok := c.trunks[id]
	if !ok {
		return nil, false
	}
	return c.copyTrunk(t), true
}

// Put stores or replaces a trunk and indexes every number it carries.
// A number already indexed to a different trunk keeps its first owner.
func (c *TrunkCache) Put(trunk *domain.Trunk) error {
	if trunk == nil {
		return fmt.Errorf("trunk cannot be nil")
	}
	if trunk.TrunkID == "" {
		return fmt.Errorf("trunk has empty ID")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if old, exists := c.trunks[trunk.TrunkID]; exists {
		for _, n := range old.Numbers {
			key := domain.Digits(n)
			if c.numberIndex[key] == old.TrunkID {
				delete(c.numberIndex, key)
			}
		}
	}

	stored := c.copyTrunk(trunk)
	c.trunks[trunk.TrunkID] = stored
	for _, n := range stored.Numbers {
		key := domain.Digits(n)
		if key == "" {
			continue
		}
		if owner, taken := c.numberIndex[key]; taken && owner != stored.TrunkID {
			c.logger.Warn("Number already cached for another trunk",
				zap.String("number", n), zap.String("owner", owner), zap.String("trunk_id", stored.TrunkID))
			continue
		}
		c.numberIndex[key] = stored.TrunkID
	}
	return nil
}

// Count returns the number of cached trunks.
func (c *TrunkCache) Count() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.trunks)
}

// copyTrunk deep copies a trunk so callers cannot mutate cached state.
func (c *TrunkCache) copyTrunk(src *domain.Trunk) *domain.Trunk {
	if src == nil {
		return nil
	}

	var copy domain.Trunk
	if err := copier.CopyWithOption(&copy, src, copier.Option{DeepCopy: true}); err != nil {
		c.logger.Warn("Failed to copy trunk", zap.Error(err))
		return src
	}
	return &copy
}
