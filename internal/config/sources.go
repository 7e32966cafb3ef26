package config

import (
	"encoding/json"
	"fmt"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "DISPATCH_"

type Source struct {
	Provider func(k *koanf.Koanf) koanf.Provider
	Parser   koanf.Parser
	Options  []koanf.Option
}

func NewJsonFileSource(path string) *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return file.Provider(path)
		},
		Parser: kjson.Parser(),
	}
}

// NewEnvVarSource reads DISPATCH_* variables. A double underscore separates
// nested keys, so DISPATCH_STORAGE__DSN sets storage.dsn.
func NewEnvVarSource() *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return env.Provider(EnvPrefix, ".", func(s string) string {
				s = strings.TrimPrefix(s, EnvPrefix)
				s = strings.ToLower(s)
				return strings.ReplaceAll(s, "__", ".")
			})
		},
	}
}

func NewPFlagSource(flagSet *pflag.FlagSet) *Source {
	return &Source{
		Provider: func(k *koanf.Koanf) koanf.Provider {
			return posflag.ProviderWithFlag(flagSet, ".", k, func(f *pflag.Flag) (string, interface{}) {
				key := strings.ReplaceAll(f.Name, "-", "_")
				return key, f.Value
			})
		},
	}
}

func LoadStruct(k *koanf.Koanf, config Config) error {
	// Going through JSON instead of the structs provider keeps omitempty
	// fields from overwriting values that are already set.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to json: %w", err)
	}

	if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
		return fmt.Errorf("failed to load config from json bytes: %w", err)
	}

	return nil
}

// LoadSources layers the sources over DefaultConfig. Later sources win.
func LoadSources(sources ...*Source) (Config, error) {
	k := koanf.New(".")
	if err := LoadStruct(k, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	for _, source := range sources {
		if err := k.Load(source.Provider(k), source.Parser, source.Options...); err != nil {
			return Config{}, fmt.Errorf("failed to load config source: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
