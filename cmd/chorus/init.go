package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chorus-chat/chorus/examples"
)

// runInit initializes a Chorus working directory with default files:
// a starter config and a model catalog. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Chorus workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "chorus.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	catalogPath := filepath.Join(dir, "models.yaml")
	if err := writeIfMissing(catalogPath, examples.ModelsYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", catalogPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit chorus.yaml to set API keys and models.yaml to pick models.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
