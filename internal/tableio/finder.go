package tableio

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TableExtension is the bronze and silver table file extension.
const TableExtension = ".parquet"

// ExcludedDirs are directory names skipped while discovering tables.
var ExcludedDirs = map[string]bool{
	".git":        true,
	"vendor":      true,
	"__pycache__": true,
	".venv":       true,
	".idea":       true,
	".vscode":     true,
	"_temp":       true,
}

// FindTables returns every parquet table under dir, sorted by path. Hidden
// files and in-flight ".tmp" writes are ignored.
func FindTables(dir string, recursive bool) ([]string, error) {
	var files []string

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // Skip entries we can't access
		}

		if info.IsDir() {
			if ExcludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), TableExtension) {
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.Walk(dir, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
