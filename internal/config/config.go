package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the persisted herald configuration. Flags override any
// value set here.
type Settings struct {
	HubURL        string `json:"hub_url"`
	DefaultPlayer string `json:"default_player"`
}

// Get loads the settings file, creating it with defaults on first run.
func Get() (*Settings, error) {
	path, err := settingsPath()
	if err != nil {
		return nil, fmt.Errorf("Get: failed to locate settings path: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, fmt.Errorf("Get: failed to create settings dir: %w", err)
			}

			conf := &Settings{}

			b, err := json.Marshal(conf)
			if err != nil {
				return nil, fmt.Errorf("Get: failed to encode default settings: %w", err)
			}

			if err := os.WriteFile(path, b, 0644); err != nil {
				return nil, fmt.Errorf("Get: failed to write default settings: %w", err)
			}

			return conf, nil
		}

		return nil, fmt.Errorf("Get: failed to open settings: %w", err)
	}
	defer file.Close()

	conf := &Settings{}
	if err := json.NewDecoder(file).Decode(conf); err != nil {
		return nil, fmt.Errorf("Get: failed to decode settings: %w", err)
	}

	return conf, nil
}

// Save rewrites the settings file.
func (s *Settings) Save() error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("Save: failed to encode settings: %w", err)
	}

	path, err := settingsPath()
	if err != nil {
		return fmt.Errorf("Save: failed to locate settings path: %w", err)
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("Save: failed to write settings: %w", err)
	}

	return nil
}

func settingsPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("settingsPath: no user config dir: %w", err)
	}

	return filepath.Join(oscfg, "herald", "settings.json"), nil
}
