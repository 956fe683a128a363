package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheUnavailable is a hard failure on the kv path: no fallback is
	// safe for reads of tenant data, and treating it as "key absent" would
	// be a silent false negative.
	ErrCacheUnavailable = errors.New("kv cache unavailable")

	ErrInvalidStore  = errors.New("invalid store id")
	ErrInvalidKey    = errors.New("invalid key")
	ErrValueTooLarge = errors.New("value too large")
)

func InvalidStoreError(storeID, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidStore, storeID, reason)
}

func InvalidKeyError(key, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidKey, key, reason)
}

func IsCacheUnavailable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable)
}
