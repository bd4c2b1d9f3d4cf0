package config

import "time"

// CacheConfig contains settings for the flag cache layer.
// The backend is selected once at composition time: Redis when configured,
// otherwise the in-process backend. Business logic never branches on it.
type CacheConfig struct {
	// TTL is how long a cached flag set stays valid.
	TTL time.Duration `envconfig:"TTL" default:"5m" validate:"gt=0"`

	// MemoryCapacity caps the number of entries held by the in-process backend.
	MemoryCapacity int `envconfig:"MEMORY_CAPACITY" default:"10000" validate:"min=16"`

	// ScanPageSize bounds each page of the prefix scan used when invalidating
	// all environments on the Redis backend.
	ScanPageSize int64 `envconfig:"SCAN_PAGE_SIZE" default:"200" validate:"min=1"`
}
