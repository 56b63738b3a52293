package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed defaultdata/default_config.yaml
var defaultConfigYAML []byte

// Bootstrap writes the embedded default config to defaultPath if it
// doesn't already exist, and ensures an (initially empty) user override
// file exists at userPath. It does not touch either file if already
// present — config.yaml edits made by a user must never be clobbered by a
// restart.
func Bootstrap(defaultPath, userPath string) error {
	if err := writeIfMissing(defaultPath, defaultConfigYAML); err != nil {
		return fmt.Errorf("bootstrap default config: %w", err)
	}
	if err := writeIfMissing(userPath, []byte("# user overrides — deep-merged onto default_config.yaml\n")); err != nil {
		return fmt.Errorf("bootstrap user config: %w", err)
	}
	return nil
}

func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, content, 0o640)
}
