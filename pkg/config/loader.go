package config

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// loader implements Service on top of koanf.
type loader struct {
	validator *validator.Validate
}

// NewService creates a configuration service with validation support.
func NewService() Service {
	return &loader{validator: validator.New()}
}

// Load applies sources with precedence: defaults, file sources, environment, CLI.
func (l *loader) Load(_ context.Context, sources ...Source) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	var cli []Source
	for _, source := range sources {
		switch {
		case source == nil || source.Type() == SourceEnv:
			continue
		case source.Type() == SourceCLI:
			cli = append(cli, source)
		default:
			if err := loadSource(k, source); err != nil {
				return nil, err
			}
		}
	}
	if err := l.loadEnvironment(k); err != nil {
		return nil, err
	}
	for _, source := range cli {
		if err := loadSource(k, source); err != nil {
			return nil, err
		}
	}
	return l.unmarshalAndValidate(k)
}

// loadEnvironment reads only the variables named by `env` struct tags.
func (l *loader) loadEnvironment(k *koanf.Koanf) error {
	envToPath := GenerateEnvToConfigMap()
	provider := env.Provider(".", env.Opt{
		Prefix: "",
		TransformFunc: func(key, value string) (string, any) {
			path, ok := envToPath[key]
			if !ok || value == "" {
				return "", nil
			}
			return path, value
		},
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func loadSource(k *koanf.Koanf, source Source) error {
	data, err := source.Load()
	if err != nil {
		return fmt.Errorf("failed to load from source %s: %w", source.Type(), err)
	}
	if len(data) == 0 {
		return nil
	}
	// Set key by key so a partial file never wipes sibling defaults.
	for key, value := range flattenMap("", data) {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("failed to set key %s from source %s: %w", key, source.Type(), err)
		}
	}
	return nil
}

func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}

func (l *loader) unmarshalAndValidate(k *koanf.Koanf) (*Config, error) {
	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				millisecondsDecodeHook,
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate checks struct tags plus cross-field constraints.
func (l *loader) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(config); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	switch {
	case config.Cache.TTL <= 0:
		return fmt.Errorf("cache.ttl must be positive, got %s", config.Cache.TTL)
	case config.Cache.Cleanup <= 0:
		return fmt.Errorf("cache.cleanup must be positive, got %s", config.Cache.Cleanup)
	case config.Dify.Timeout < 0:
		return fmt.Errorf("dify.timeout must not be negative, got %s", config.Dify.Timeout)
	case config.Server.SessionTimeout < 0:
		return fmt.Errorf("server.session_timeout must not be negative, got %s", config.Server.SessionTimeout)
	}
	return nil
}

// millisecondsDecodeHook reads bare integers as millisecond durations so that
// values like CACHE_TTL=3600000 keep working.
func millisecondsDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return data, nil
	}
}

func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}
