// Package statestore is the two-tier durable store for setup candidates,
// trades and session state: an in-memory hot tier for every operation on
// the live trading path, backed by a relational cold tier that survives a
// restart and lets the engine reconcile on recovery.
package statestore

import (
	"sync"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// HotTier is the in-process view of every active candidate, keyed by
// symbol then ID, read and written on the hot path without touching the
// database.
type HotTier interface {
	Put(candidate *models.SetupCandidate)
	Get(symbol, id string) (*models.SetupCandidate, bool)
	Delete(symbol, id string)
	ListActive(symbol string) []*models.SetupCandidate
	ListAllActive() []*models.SetupCandidate
}

// memoryHotTier is the default HotTier: a mutex-guarded map of maps.
type memoryHotTier struct {
	mu   sync.RWMutex
	bySymbol map[string]map[string]*models.SetupCandidate
}

// NewMemoryHotTier constructs an empty in-memory hot tier.
func NewMemoryHotTier() HotTier {
	return &memoryHotTier{bySymbol: make(map[string]map[string]*models.SetupCandidate)}
}

func (h *memoryHotTier) Put(c *models.SetupCandidate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket, ok := h.bySymbol[c.Symbol]
	if !ok {
		bucket = make(map[string]*models.SetupCandidate)
		h.bySymbol[c.Symbol] = bucket
	}
	bucket[c.ID] = c.Clone()
}

func (h *memoryHotTier) Get(symbol, id string) (*models.SetupCandidate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bucket, ok := h.bySymbol[symbol]
	if !ok {
		return nil, false
	}
	c, ok := bucket[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (h *memoryHotTier) Delete(symbol, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.bySymbol[symbol]; ok {
		delete(bucket, id)
	}
}

func (h *memoryHotTier) ListActive(symbol string) []*models.SetupCandidate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bucket := h.bySymbol[symbol]
	out := make([]*models.SetupCandidate, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c.Clone())
	}
	return out
}

func (h *memoryHotTier) ListAllActive() []*models.SetupCandidate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*models.SetupCandidate
	for _, bucket := range h.bySymbol {
		for _, c := range bucket {
			out = append(out, c.Clone())
		}
	}
	return out
}
