package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrImmutabilityViolation is returned when a key already holds different bytes.
var ErrImmutabilityViolation = errors.New("immutable object differs from existing content")

const jsonContentType = "application/json"

// WriteImmutable writes body at key with append-only semantics: a first write
// succeeds, a re-write with identical bytes is a no-op, and a re-write with
// different bytes fails with ErrImmutabilityViolation. Returns whether the
// object already existed.
func WriteImmutable(ctx context.Context, store Store, key string, body []byte) (bool, error) {
	if store == nil {
		return false, errors.New("store is required")
	}
	err := store.Create(ctx, key, body, jsonContentType)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrPathExists) {
		return false, err
	}
	existing, getErr := store.Get(ctx, key)
	if getErr != nil {
		return true, fmt.Errorf("read existing %s: %w", key, getErr)
	}
	if !bytes.Equal(existing, body) {
		return true, fmt.Errorf("%w: %s", ErrImmutabilityViolation, key)
	}
	return true, nil
}
