package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration from user-level and project-level JSONC
// files. Resolution order: defaults → user config (~/.config/maestro/maestro.jsonc)
// → project config (<projectDir>/.maestro/maestro.jsonc) → environment overrides.
// An explicit override path, when non-empty, replaces the project-level file.
func Load(projectDir, overridePath string) (*Config, error) {
	cfg := DefaultConfig()

	userDir, err := os.UserConfigDir()
	if err == nil {
		userPath := filepath.Join(userDir, "maestro", "maestro.jsonc")
		if userMap, err := loadJSONC(userPath); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	projectPath := ProjectConfigPath(projectDir)
	if overridePath != "" {
		projectPath = overridePath
	}
	if projectMap, err := loadJSONC(projectPath); err == nil {
		if err := mergeIntoConfig(&cfg, projectMap); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	} else if overridePath != "" {
		// An explicit --config that cannot be read is an error, unlike the
		// optional default locations.
		return nil, fmt.Errorf("loading config %s: %w", overridePath, err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// ProjectConfigPath returns the project-level config file location.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, ".maestro", "maestro.jsonc")
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map over it,
// then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MAESTRO_INTERPRETER"); v != "" {
		cfg.Tools.Interpreter = v
	}
	if v := os.Getenv("MAESTRO_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("MAESTRO_INVOCATION_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.InvocationBudget = n
		}
	}
}
