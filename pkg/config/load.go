// pkg/config/load.go
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML mapping of keys to values. Integers are taken as is
// (milliseconds for time keys); strings are parsed as Go durations for time
// keys and as integers otherwise.
func Load(r io.Reader) (*NetworkConfig, error) {
	raw := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to decode network config: %w", err)
	}

	cfg := New()
	for key, value := range raw {
		v, err := parseValue(key, value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.SetLong(key, v)
	}
	return cfg, nil
}

// LoadFile reads a YAML network configuration file.
func LoadFile(path string) (*NetworkConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open network config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load network config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge copies every value of other into c, overriding existing keys.
func (c *NetworkConfig) Merge(other *NetworkConfig) *NetworkConfig {
	for _, key := range other.Keys() {
		v, err := other.GetLong(key)
		if err != nil {
			continue
		}
		c.SetLong(key, v)
	}
	return c
}

func parseValue(key string, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case string:
		if IsTimeKey(key) {
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, err
			}
			return d.Milliseconds(), nil
		}
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}
