package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadModules reads Rego modules from files and directories. Directories
// contribute every *.rego file they directly contain; modules are keyed by
// their cleaned path.
func LoadModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string)

	for _, path := range paths {
		path = filepath.Clean(strings.TrimSpace(path))

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat policy path: %w", err)
		}

		files := []string{path}
		if info.IsDir() {
			files, err = filepath.Glob(filepath.Join(path, "*.rego"))
			if err != nil {
				return nil, fmt.Errorf("list policy directory %s: %w", path, err)
			}
		}

		for _, file := range files {
			//nolint:gosec // policy paths are operator supplied
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read policy module: %w", err)
			}
			modules[file] = string(data)
		}
	}

	return modules, nil
}
