package config

import (
	"fmt"

	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// MarshalYAML renders the effective configuration using its koanf keys, so
// the output can be fed back through Load. Secrets are masked.
func (c *Config) MarshalYAML() (interface{}, error) {
	out := *c
	if out.Control.TokenSecret != "" {
		out.Control.TokenSecret = redacted
	}
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(out, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("flatten configuration: %w", err)
	}
	return k.Raw(), nil
}

// YAML returns the effective configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yamlv3.Marshal(c)
}
