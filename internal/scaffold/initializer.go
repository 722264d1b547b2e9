package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/crucible/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the file written by Initialize.
const ConfigFile = "crucible.yml"

// Initialize writes a starter crucible.yml into dir and returns its path.
// An existing file is only replaced when force is set.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFile)

	if force {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove %s: %w", path, err)
		}
	} else if err := CheckExisting(dir); err != nil {
		return "", err
	}

	content, err := templatesFS.ReadFile("templates/crucible.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read crucible.yml template: %w", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The template must stay loadable as the config schema evolves
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("generated %s is invalid: %w", path, err)
	}

	return path, nil
}

// CheckExisting returns an error if dir already holds a crucible.yml.
func CheckExisting(dir string) error {
	path := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("project already initialized\n\nFound existing: %s\n\nUse 'crucible init --force' to reinitialize (this will overwrite existing configuration)", path)
	}
	return nil
}
