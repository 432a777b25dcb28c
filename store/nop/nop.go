package nop

import (
	"context"

	"github.com/imagvfx/coflow"
)

// Store is a coflow.Store which does nothing.
// Engines without a database use it.
type Store struct{}

// Save returns nil always.
func (Store) Save(ctx context.Context, recs ...coflow.Record) error {
	return nil
}

// Find returns (nil, nil).
func (Store) Find(ctx context.Context, f coflow.Filter) ([]coflow.Record, error) {
	return nil, nil
}

// Close returns nil.
func (Store) Close() error {
	return nil
}

var _ coflow.Store = Store{}
