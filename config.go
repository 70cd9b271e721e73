package softmap

import (
	"hash/maphash"
	"log/slog"
	"unsafe"
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds the options a SoftMap is created with. It is populated
// through the With* option functions passed to New.
type Config struct {
	// reservedKey reports whether a key is the sentinel that must never be
	// stored. Nil means every key is valid.
	reservedKey func(ptr unsafe.Pointer) bool

	// valEqual compares two values for ContainsValue and Equal.
	// If nil, == is used for comparable types and reflect.DeepEqual
	// otherwise.
	valEqual EqualFunc

	// valHash hashes a value for Hash. If nil, Hash only covers keys,
	// which is still consistent with Equal.
	valHash HashFunc

	// pinLimit bounds the number of pinned cells after every insert.
	// Zero or negative means unbounded.
	pinLimit int

	// logger receives reaper and policy events. Nil discards them.
	logger *slog.Logger
}

// WithReservedKey reserves key as a sentinel. Put with that key fails
// with ErrInvalidKey; all other operations treat it as an ordinary,
// always absent key.
//
// K must match the key type of the map it is passed to.
func WithReservedKey[K comparable](key K) func(*Config) {
	return func(c *Config) {
		c.reservedKey = func(ptr unsafe.Pointer) bool {
			return *(*K)(ptr) == key
		}
	}
}

// WithValueEqual sets the value equality used by ContainsValue and Equal.
// It is required for meaningful results when V holds slices, maps or
// fields that reflect.DeepEqual compares too strictly.
//
// Usage:
//
//	m := New[string, Bitmap](WithValueEqual(func(a, b Bitmap) bool {
//		return a.Checksum == b.Checksum
//	}))
func WithValueEqual[V any](valEqual func(val, val2 V) bool) func(*Config) {
	return func(c *Config) {
		if valEqual != nil {
			c.valEqual = func(val unsafe.Pointer, val2 unsafe.Pointer) bool {
				return valEqual(*(*V)(val), *(*V)(val2))
			}
		}
	}
}

// WithValueEqualUnsafe is the unsafe.Pointer form of WithValueEqual.
// Both pointers point to values of the map's V.
func WithValueEqualUnsafe(eq EqualFunc) func(*Config) {
	return func(c *Config) {
		c.valEqual = eq
	}
}

// WithValueHasher adds values to Hash. The hasher must agree with the
// configured value equality: equal values must hash equally.
func WithValueHasher[V any](hasher func(val V, seed maphash.Seed) uint64) func(*Config) {
	return func(c *Config) {
		if hasher != nil {
			c.valHash = func(ptr unsafe.Pointer, seed maphash.Seed) uint64 {
				return hasher(*(*V)(ptr), seed)
			}
		}
	}
}

// WithPinLimit keeps at most n values pinned. After each insert that
// pushes the pinned count over n, the least recently touched cells are
// released (see TrimTo). Zero or negative disables the limit.
func WithPinLimit(n int) func(*Config) {
	return func(c *Config) {
		c.pinLimit = n
	}
}

// WithLogger sets the structured logger for reaper and policy events.
func WithLogger(logger *slog.Logger) func(*Config) {
	return func(c *Config) {
		c.logger = logger
	}
}
