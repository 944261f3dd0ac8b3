package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/trialmatch/examples"
)

// runInit initializes a trialmatch working directory with the bundled
// example config and patient criteria. It creates the data and log
// directories the default config points at. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing trialmatch workspace in %s\n", dir)

	for _, sub := range []string{"data", "logs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		{"config.yaml", examples.ConfigYAML, 0o600}, // may hold API keys
		{"criteria.json", examples.CriteriaJSON, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose a model, then run:")
	fmt.Fprintln(w, "  trialmatch search criteria.json")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
