// Package config loads layered configuration: the zero-value defaults of the
// target struct, then an optional YAML file, then environment variables
// (`engine.minratio` is read from ENGINE_MINRATIO).
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load decodes the layers into config, which must be a pointer to a struct
// already holding the defaults. An empty file means environment only.
func Load(file string, config any) error {
	v := viper.New()

	// viper only resolves environment variables for keys it already knows,
	// so every field of the struct is registered up front.
	defaults := make(map[string]any)
	if err := mapstructure.Decode(config, &defaults); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return fmt.Errorf("merge defaults: %v", err)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}
