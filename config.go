package reverb

import (
	"fmt"
	"time"
)

// Config holds all TrajectoryWriter configuration.
type Config struct {
	// Endpoint is the replay service's Insert stream address.
	Endpoint string `mapstructure:"endpoint"`

	// DefaultMaxChunkLength and DefaultNumKeepAliveRefs seed every
	// Chunker allocated for a column that was never configured with
	// ConfigureChunker beforehand.
	DefaultMaxChunkLength   int `mapstructure:"default_max_chunk_length"`
	DefaultNumKeepAliveRefs int `mapstructure:"default_num_keep_alive_refs"`

	// ReconnectBackoff is how long the stream worker waits between a
	// transient disconnect and the next dial attempt.
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// DefaultConfig returns a Config with conservative defaults: unbatched
// columns (flush every append) and a one-deep keep-alive ring.
func DefaultConfig() Config {
	return Config{
		DefaultMaxChunkLength:   1,
		DefaultNumKeepAliveRefs: 1,
		ReconnectBackoff:        200 * time.Millisecond,
	}
}

// Validate checks the invariants Config must satisfy before a
// TrajectoryWriter can be built from it.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("reverb: endpoint is required")
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("reverb: reconnect_backoff must be positive")
	}
	return c.defaultChunkerOptions().Validate()
}

func (c Config) defaultChunkerOptions() ChunkerOptions {
	return ChunkerOptions{
		MaxChunkLength:   c.DefaultMaxChunkLength,
		NumKeepAliveRefs: c.DefaultNumKeepAliveRefs,
	}
}
