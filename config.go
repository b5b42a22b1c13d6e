package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const configFilePath = "config.json"

// Config represents the application's configuration structure.
type Config struct {
	ListeningAddress  string `json:"listening-address" mapstructure:"listening-address"`
	MeshBaseURL       string `json:"mesh-base-url" mapstructure:"mesh-base-url"`
	MeshAPIKey        string `json:"mesh-api-key" mapstructure:"mesh-api-key"`
	ArtifactDir       string `json:"artifact-dir" mapstructure:"artifact-dir"`
	TrackerStateDir   string `json:"tracker-state-dir" mapstructure:"tracker-state-dir"`
	WorkerCount       int    `json:"worker-count" mapstructure:"worker-count"`
	QueueSize         int    `json:"queue-size" mapstructure:"queue-size"`
	RabbitAddress     string `json:"rabbit-address" mapstructure:"rabbit-address"`
	LifecycleExchange string `json:"lifecycle-exchange" mapstructure:"lifecycle-exchange"`
	CancelQueue       string `json:"cancel-queue" mapstructure:"cancel-queue"`
	LogLevel          string `json:"log-level" mapstructure:"log-level"`
}

var requiredFields = []string{
	"listening-address",
	"mesh-base-url",
	"mesh-api-key",
}

// field: default value
var optionalFields = map[string]interface{}{
	"artifact-dir":       "artifacts",
	"tracker-state-dir":  "tracker_state_log",
	"worker-count":       4,
	"queue-size":         64,
	"rabbit-address":     "",
	"lifecycle-exchange": "BATCH_EVENTS",
	"cancel-queue":       "CANCEL_REQUESTS",
	"log-level":          "INFO",
}

// InitConfig reads configuration from a JSON file and environment variables.
// Environment variables take precedence over the config file.
func InitConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configFilePath)
	v.SetConfigType("json")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for _, field := range requiredFields {
		v.BindEnv(field)
	}

	if err := v.ReadInConfig(); err != nil {
		// ignore error if config file is not found
		// as we can get all config from env vars
		if !strings.Contains(err.Error(), configFilePath) {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	for _, field := range requiredFields {
		if !v.IsSet(field) {
			return nil, fmt.Errorf("missing required config field: %s", field)
		}
	}

	// Set defaults for optional fields if not set
	for optField, defaultValue := range optionalFields {
		if !v.IsSet(optField) {
			v.Set(optField, defaultValue)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	return &config, nil
}
