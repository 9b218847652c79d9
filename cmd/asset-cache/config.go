package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional yaml config file. It carries the settings
// that are too unwieldy for flags, like the precache list and the host
// rosters. Flags win over the file where both specify a value.
type fileConfig struct {
	Origin     string `yaml:"origin"`
	Port       int    `yaml:"port"`
	Policy     string `yaml:"policy"`
	Generation string `yaml:"generation"`
	ServersURL string `yaml:"serversUrl"`

	MaxAge          string `yaml:"maxAge"`
	CleanupAge      string `yaml:"cleanupAge"`
	CleanupInterval string `yaml:"cleanupInterval"`
	FetchTimeout    string `yaml:"fetchTimeout"`

	Precache     []string `yaml:"precache"`
	AllowedHosts []string `yaml:"allowedHosts"`
	DeniedHosts  []string `yaml:"deniedHosts"`
}

func readFileConfig(filename string) (fileConfig, error) {
	var cfg fileConfig
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse %s: %w", filename, err)
	}
	return cfg, nil
}

// duration parses a yaml duration string like "90d", "12h" or "5s".
// The "d" suffix is accepted as a convenience for day-scale windows.
func duration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	var days int
	if n, err := fmt.Sscanf(value, "%dd", &days); err == nil && n == 1 {
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}
