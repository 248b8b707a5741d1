// Package config handles the process-level configuration file. Behavioural
// settings such as sync credentials and worker counts live in the library
// database instead; see the repository settings table.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"gopkg.in/yaml.v3"
)

// Config represents the persisted application configuration.
type Config struct {
	LibraryRoot string `yaml:"library_root"`
	UserAgent   string `yaml:"user_agent"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LibraryRoot: filepath.Join(home, "Podcasts"),
		UserAgent:   "podkeep/dev",
	}
}

// Ensure loads configuration from the provided path, prompting the user to
// create one if it does not yet exist.
func Ensure(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = Defaults().UserAgent
	}
	return cfg, nil
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(ctx context.Context, cfg *Config) error {
	if fromEnv := strings.TrimSpace(os.Getenv("PODKEEP_LIBRARY_ROOT")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(resolved, 0o755); err != nil {
			return fmt.Errorf("create library directory: %w", err)
		}
		cfg.LibraryRoot = resolved
		return nil
	}

	prompt := &survey.Input{
		Message: "Choose a library directory",
		Default: cfg.LibraryRoot,
	}

	var answer string
	if err := survey.AskOne(prompt, &answer, survey.WithValidator(survey.Required)); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return fmt.Errorf("initialisation interrupted")
		}
		return err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("library directory cannot be empty")
	}

	resolved, err := expandPath(answer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("create library directory: %w", err)
	}

	cfg.LibraryRoot = resolved
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
