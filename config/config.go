package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/protogate/errors"
)

// Tenant source kinds.
const (
	SourceFile = "file"
	SourceKV   = "kv"
)

// Sink kinds.
const (
	SinkLog   = "log"
	SinkNATS  = "nats"
	SinkKafka = "kafka"
)

// Config is the gateway process configuration.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Tenants TenantsConfig `json:"tenants"`
	NATS    NATSConfig    `json:"nats"`
	Kafka   KafkaConfig   `json:"kafka"`
	Sinks   []string      `json:"sinks"`
	Admin   AdminConfig   `json:"admin"`

	// Products seed the in-process device directory and codec bindings.
	Products  []ProductConfig `json:"products,omitempty"`
	Directory CacheConfig     `json:"directory"`
}

// GatewayConfig tunes the lifecycle manager and the processing pool.
type GatewayConfig struct {
	Workers              int      `json:"workers"`
	QueueSize            int      `json:"queue_size"`
	ReconnectBase        Duration `json:"reconnect_base"`
	ReconnectMax         Duration `json:"reconnect_max"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts"`
	HealthInterval       Duration `json:"health_interval"`
	RestartDelay         Duration `json:"restart_delay"`
	StartSettle          Duration `json:"start_settle"`
}

// TenantsConfig says where tenant configs come from.
type TenantsConfig struct {
	Source string `json:"source"`
	Path   string `json:"path,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Watch  bool   `json:"watch"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

// KafkaConfig defines the Kafka sink
type KafkaConfig struct {
	Brokers      []string `json:"brokers,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	BatchTimeout Duration `json:"batch_timeout,omitempty"`
}

// ProductConfig declares a device model known to the gateway.
type ProductConfig struct {
	Key               string `json:"key"`
	Name              string `json:"name,omitempty"`
	AllowAutoRegister bool   `json:"allow_auto_register"`
	// Codec is "json" (default) or "cbor".
	Codec     string `json:"codec,omitempty"`
	PreDecode string `json:"pre_decode,omitempty"`
}

// CacheConfig sizes the read-through cache in front of the device
// directory. A zero MaxSize disables it.
type CacheConfig struct {
	MaxSize int      `json:"max_size"`
	TTL     Duration `json:"ttl"`
}

// AdminConfig defines the admin HTTP API
type AdminConfig struct {
	Port int `json:"port"`
}

// Validate checks the process configuration
func (c *Config) Validate() error {
	if c.Gateway.Workers < 0 {
		return errors.WrapInvalid(fmt.Errorf("workers cannot be negative"), "Config", "Validate", "check gateway")
	}
	if c.Gateway.ReconnectMax > 0 && c.Gateway.ReconnectMax < c.Gateway.ReconnectBase {
		return errors.WrapInvalid(fmt.Errorf("reconnect_max below reconnect_base"), "Config", "Validate", "check gateway")
	}

	switch c.Tenants.Source {
	case SourceFile:
		if c.Tenants.Path == "" {
			return errors.WrapInvalid(fmt.Errorf("tenants.path is required for file source"), "Config", "Validate", "check tenants")
		}
	case SourceKV:
		if len(c.NATS.URLs) == 0 {
			return errors.WrapInvalid(fmt.Errorf("nats.urls is required for kv source"), "Config", "Validate", "check tenants")
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown tenant source %q", c.Tenants.Source), "Config", "Validate", "check tenants")
	}

	for _, s := range c.Sinks {
		switch s {
		case SinkLog:
		case SinkNATS:
			if len(c.NATS.URLs) == 0 {
				return errors.WrapInvalid(fmt.Errorf("nats sink needs nats.urls"), "Config", "Validate", "check sinks")
			}
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
				return errors.WrapInvalid(fmt.Errorf("kafka sink needs brokers and topic"), "Config", "Validate", "check sinks")
			}
		default:
			return errors.WrapInvalid(fmt.Errorf("unknown sink %q", s), "Config", "Validate", "check sinks")
		}
	}

	seen := make(map[string]bool, len(c.Products))
	for _, p := range c.Products {
		if p.Key == "" {
			return errors.WrapInvalid(fmt.Errorf("product key is required"), "Config", "Validate", "check products")
		}
		if seen[p.Key] {
			return errors.WrapInvalid(fmt.Errorf("duplicate product %q", p.Key), "Config", "Validate", "check products")
		}
		seen[p.Key] = true
		switch p.Codec {
		case "", "json", "cbor":
		default:
			return errors.WrapInvalid(fmt.Errorf("product %q: unknown codec %q", p.Key, p.Codec), "Config", "Validate", "check products")
		}
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid admin port %d", c.Admin.Port), "Config", "Validate", "check admin")
	}
	return nil
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Workers:              8,
			QueueSize:            1024,
			ReconnectBase:        Duration(2 * time.Second),
			ReconnectMax:         Duration(30 * time.Second),
			MaxReconnectAttempts: 15,
			HealthInterval:       Duration(30 * time.Second),
			RestartDelay:         Duration(time.Second),
			StartSettle:          Duration(500 * time.Millisecond),
		},
		Tenants: TenantsConfig{
			Source: SourceFile,
			Path:   "configs/tenants.yaml",
			Bucket: DefaultTenantBucket,
			Watch:  true,
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			SubjectPrefix: "devices",
		},
		Sinks:     []string{SinkLog},
		Admin:     AdminConfig{Port: 8080},
		Directory: CacheConfig{MaxSize: 10000, TTL: Duration(5 * time.Minute)},
	}
}

// Loader merges JSON layers over the defaults and applies environment
// overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: "PROTOGATE", getenv: os.Getenv}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in the layer
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
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

func (l *Loader) env(name string) string {
	return l.getenv(l.envPrefix + "_" + name)
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := l.env("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := l.env("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := l.env("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := l.env("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := l.env("TENANTS_SOURCE"); val != "" {
		cfg.Tenants.Source = val
	}
	if val := l.env("TENANTS_PATH"); val != "" {
		cfg.Tenants.Path = val
	}
	if val := l.env("KAFKA_BROKERS"); val != "" {
		cfg.Kafka.Brokers = strings.Split(val, ",")
	}
	if val := l.env("KAFKA_TOPIC"); val != "" {
		cfg.Kafka.Topic = val
	}
	if val := l.env("SINKS"); val != "" {
		cfg.Sinks = strings.Split(val, ",")
	}
	if val := l.env("ADMIN_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Admin.Port = port
		}
	}
	if val := l.env("WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Gateway.Workers = n
		}
	}
}
