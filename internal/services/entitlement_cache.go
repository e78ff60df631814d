package services

import (
	"sync"

	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"
)

// EntitlementCache is the process-local projection of granted entitlements.
// It is derived entirely from settled transactions: an entitlement recorded
// at verify time does not appear here until its source transaction reaches
// the finalized state. The remote authority stays the system of record; if
// local storage is ever suspect the cache is rebuilt wholesale.
type EntitlementCache struct {
	mu     sync.RWMutex
	byUser map[string][]models.Entitlement
}

// NewEntitlementCache creates an empty cache. Call Rebuild before trusting
// its contents.
func NewEntitlementCache() *EntitlementCache {
	return &EntitlementCache{byUser: make(map[string][]models.Entitlement)}
}

// Rebuild reloads the cache from the settled entitlement rows.
func (c *EntitlementCache) Rebuild() error {
	ents, err := database.ListSettledEntitlements()
	if err != nil {
		return err
	}

	byUser := make(map[string][]models.Entitlement)
	for _, ent := range ents {
		byUser[ent.UserID] = append(byUser[ent.UserID], ent)
	}

	c.mu.Lock()
	c.byUser = byUser
	c.mu.Unlock()

	logging.Infof("Entitlement cache rebuilt with %d entitlements", len(ents))
	return nil
}

// Invalidate discards the current projection and rebuilds it from storage.
func (c *EntitlementCache) Invalidate() error {
	return c.Rebuild()
}

// CurrentEntitlements returns the entitlements currently granted to a user.
// The returned slice is a copy.
func (c *EntitlementCache) CurrentEntitlements(userID string) []models.Entitlement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ents := c.byUser[userID]
	out := make([]models.Entitlement, len(ents))
	copy(out, ents)
	return out
}

// Put inserts or replaces one entitlement, keyed by its source transaction.
// Called by the pipeline when a transaction reaches finalized.
func (c *EntitlementCache) Put(ent models.Entitlement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ents := c.byUser[ent.UserID]
	for i := range ents {
		if ents[i].SourceTransactionID == ent.SourceTransactionID {
			ents[i] = ent
			return
		}
	}
	c.byUser[ent.UserID] = append(ents, ent)
}

// Drop removes the entitlement derived from the given transaction for the
// user, used when a status update moves it out of the granted set.
func (c *EntitlementCache) Drop(userID, sourceTransactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ents := c.byUser[userID]
	for i := range ents {
		if ents[i].SourceTransactionID == sourceTransactionID {
			c.byUser[userID] = append(ents[:i], ents[i+1:]...)
			return
		}
	}
}
