package cache

import "time"

// Config tunes the discovery cache.
type Config struct {
	// Enabled wraps every configured discovery source in the cache.
	Enabled bool `mapstructure:"enabled"`

	// TTL is how long a source's listing is reused before it is read again.
	TTL time.Duration `mapstructure:"ttl" validate:"omitempty,gt=0"`

	// MaxSize bounds the number of cached listings, one per source.
	MaxSize int `mapstructure:"maxSize" validate:"omitempty,gt=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		TTL:     30 * time.Second,
		MaxSize: 16,
	}
}
