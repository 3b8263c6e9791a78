package config

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

func loadYAMLConfig(configPath string) (map[string]any, error) {
	file, err := openConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := yaml.NewDecoder(file).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
