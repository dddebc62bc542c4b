package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mark-sch/GpsdTracking/errors"
)

// DefaultEnvPrefix prefixes the environment overrides, as in GPSD_LOG_LEVEL.
const DefaultEnvPrefix = "GPSD"

// Loader merges configuration layers over the defaults, then applies
// environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, getenv: os.Getenv}
}

// AddLayer appends a file. Later layers override earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load validate the merged result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file over the defaults and validates it.
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	l.AddLayer(path)
	l.EnableValidation(true)
	return l.Load()
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "merge layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one layer as generic data, whatever its format.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, _ := configFormat(path)

	var raw map[string]any
	switch format {
	case "json":
		if err := validateJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		normalized, err := normalizeYAML(raw)
		if err != nil {
			return nil, err
		}
		raw, _ = normalized.(map[string]any)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// normalizeYAML turns the maps keyed by non strings that YAML allows into
// JSON compatible ones.
func normalizeYAML(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			val[k] = n
		}
		return val, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		for i, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			val[i] = n
		}
		return val, nil
	}
	return v, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}

// deepMergeMaps merges override into base. Nested maps merge key by key,
// anything else is replaced.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads <prefix>_NAME, _BACKEND_TYPE, _API_ADDRESS,
// _METRICS_ADDRESS, _FEED_ADDRESS, _NATS_URL, _NATS_USERNAME,
// _NATS_PASSWORD, _NATS_TOKEN, _LOG_LEVEL and _LOG_FORMAT.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key    string
		target *string
	}{
		{"NAME", &cfg.Name},
		{"BACKEND_TYPE", &cfg.Backend.Type},
		{"API_ADDRESS", &cfg.API.Address},
		{"METRICS_ADDRESS", &cfg.Metrics.Address},
		{"FEED_ADDRESS", &cfg.Feed.Address},
		{"NATS_URL", &cfg.NATS.URL},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, o := range overrides {
		key := l.envPrefix + "_" + o.key
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapFatal(err, "Loader", "Load", "read environment")
		}
		*o.target = val
	}

	key := l.envPrefix + "_FEED_ENABLED"
	if val := l.getenv(key); val != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, key, err), "Loader", "Load", "read environment")
		}
		cfg.Feed.Enabled = enabled
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML, by extension.
func (c *Config) SaveToFile(path string) error {
	data, err := c.Marshal(path)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// Marshal encodes the configuration in the format matching path.
func (c *Config) Marshal(path string) ([]byte, error) {
	format, err := configFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil || format == "json" {
		return data, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}
