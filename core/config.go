package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type (
	Config struct {
		Listen  string `yaml:"listen"`
		Engine  string `yaml:"engine"`
		Journal string `yaml:"journal"`
		Budget  Budget `yaml:"budget"`
	}
)

func DefaultConfig() *Config {
	return &Config{
		Listen: ":7700",
		Engine: "127.0.0.1:7710",
		Budget: DefaultBudget,
	}
}

func LoadConfig(configPath string) (*Config, error) {
	conf := DefaultConfig()
	if configPath == "" {
		return conf, nil
	}

	configFile, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("os.Open failed: %w", err)
	}
	defer configFile.Close()

	if err := yaml.NewDecoder(configFile).Decode(conf); err != nil {
		return nil, fmt.Errorf("yaml.NewDecoder.Decode failed: %w", err)
	}

	if conf.Budget.BaseMS <= 0 {
		conf.Budget.BaseMS = DefaultBudget.BaseMS
	}
	if conf.Budget.PerUnitMS <= 0 {
		conf.Budget.PerUnitMS = DefaultBudget.PerUnitMS
	}
	if conf.Budget.HardCapMS <= 0 {
		conf.Budget.HardCapMS = DefaultBudget.HardCapMS
	}

	return conf, nil
}
