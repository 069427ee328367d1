// Package kvstore is the per-tenant key-value store behind tenant settings
// and Slack credentials. Reads are eventually consistent.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("config key not found")
	ErrReadOnly = errors.New("config store is read-only")
)

// Store defines the tenant config storage interface. Keys are namespaced by tenant.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, tenantID, key string) (string, error)
	// Set stores a raw value for key.
	Set(ctx context.Context, tenantID, key, value string) error
}

// Layered reads through its stores in order and returns the first hit.
// Writes go to the last store.
type Layered []Store

func (l Layered) Get(ctx context.Context, tenantID, key string) (string, error) {
	for _, s := range l {
		v, err := s.Get(ctx, tenantID, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

func (l Layered) Set(ctx context.Context, tenantID, key, value string) error {
	if len(l) == 0 {
		return ErrReadOnly
	}
	return l[len(l)-1].Set(ctx, tenantID, key, value)
}
