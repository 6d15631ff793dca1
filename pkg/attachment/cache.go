// Copyright 2024-2026 Aiku AI

package attachment

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiku/telehooper/pkg/sealed"
	"github.com/aiku/telehooper/pkg/store"
)

// Cache maps a logical attachment key such as "sticker:1234" to a hub file
// reference. Only the hash of the key is stored, and the value is sealed
// with the key itself, so the store alone cannot reveal either.
type Cache struct {
	store *store.Store
}

// NewCache returns a cache over st. A nil store disables caching.
func NewCache(st *store.Store) *Cache {
	return &Cache{store: st}
}

// Lookup returns the cached file reference for key.
func (c *Cache) Lookup(ctx context.Context, service, key string) (string, bool, error) {
	if c == nil || c.store == nil {
		return "", false, nil
	}
	value, err := c.store.GetAttachment(ctx, sealed.Hash(service, key))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	plain, err := sealed.Open([]byte(key), value)
	if err != nil {
		return "", false, fmt.Errorf("failed to open cached attachment: %w", err)
	}
	return string(plain), true, nil
}

// Put stores ref under key.
func (c *Cache) Put(ctx context.Context, service, key, ref string) error {
	if c == nil || c.store == nil {
		return nil
	}
	value, err := sealed.Seal([]byte(key), []byte(ref))
	if err != nil {
		return err
	}
	return c.store.PutAttachment(ctx, sealed.Hash(service, key), value)
}
