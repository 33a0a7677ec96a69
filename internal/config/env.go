package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the environment so that
// ${VAR} references in the config resolve. Missing files are skipped and variables
// already set in the environment are not overridden.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	loaded := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}
