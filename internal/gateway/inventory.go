package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryInventory tracks available and frozen stock per goods ID. Freeze
// moves stock from available to frozen, Release moves it back, Deduct
// consumes frozen stock once a purchase is final.
type MemoryInventory struct {
	mu        sync.Mutex
	available map[string]int
	frozen    map[string]int
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		available: make(map[string]int),
		frozen:    make(map[string]int),
	}
}

// SetStock seeds the available stock for a goods ID.
func (inv *MemoryInventory) SetStock(goodsID string, quantity int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.available[goodsID] = quantity
}

func (inv *MemoryInventory) Freeze(ctx context.Context, goodsID string, quantity int) (bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.available[goodsID] < quantity {
		log.Warn().
			Str("goods_id", goodsID).
			Int("requested", quantity).
			Int("available", inv.available[goodsID]).
			Msg("insufficient stock to freeze")
		return false, nil
	}
	inv.available[goodsID] -= quantity
	inv.frozen[goodsID] += quantity
	return true, nil
}

func (inv *MemoryInventory) Release(ctx context.Context, goodsID string, quantity int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.frozen[goodsID] < quantity {
		quantity = inv.frozen[goodsID]
	}
	inv.frozen[goodsID] -= quantity
	inv.available[goodsID] += quantity
	return nil
}

func (inv *MemoryInventory) Deduct(ctx context.Context, goodsID string, quantity int) (bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.frozen[goodsID] < quantity {
		return false, nil
	}
	inv.frozen[goodsID] -= quantity
	return true, nil
}

// Stock reports available and frozen counts. Test helper.
func (inv *MemoryInventory) Stock(goodsID string) (available, frozen int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.available[goodsID], inv.frozen[goodsID]
}
