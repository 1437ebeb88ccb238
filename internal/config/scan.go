package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"llmd/pkg/types"
)

// ScanDir scans a directory for *.gguf files and builds model records from
// filenames. ID is the full filename; Locator is the absolute file path.
func ScanDir(dir string) ([]types.ModelRecord, error) {
	base, err := ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var records []types.ModelRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		records = append(records, types.ModelRecord{
			ID:      name,
			Name:    name,
			Locator: filepath.Join(abs, name),
			Library: "llama",
		})
	}
	return records, nil
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
