package engine

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadPipelineConfig reads, defaults and validates a pipeline config file
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config, err := ParsePipelineConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// ParsePipelineConfig decodes a pipeline config, fills unset fields with
// defaults and validates the result.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var config PipelineConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	return &config, nil
}
