package dicom

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DicomExtensions are common DICOM file extensions
var DicomExtensions = []string{".dcm", ".dicom"}

// ExcludedNames are filenames to skip
var ExcludedNames = map[string]bool{
	"DICOMDIR":    true,
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// ExcludedExtensions are file extensions that are never DICOM
var ExcludedExtensions = map[string]bool{
	".parquet": true,
	".json":    true,
	".yaml":    true,
	".yml":     true,
	".xml":     true,
	".txt":     true,
	".md":      true,
	".log":     true,
	".csv":     true,
	".zip":     true,
	".gz":      true,
	".png":     true,
	".jpg":     true,
	".jpeg":    true,
	".pdf":     true,
}

// ExcludedDirs are directory names to skip entirely
var ExcludedDirs = map[string]bool{
	".git":        true,
	"__pycache__": true,
	".venv":       true,
}

// FindDicomFiles returns every DICOM file under inputPath, sorted. Files are
// recognized by extension, or by the "DICM" preamble marker when they have
// an unknown extension.
func FindDicomFiles(inputPath string, recursive bool) ([]string, error) {
	var files []string

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == inputPath {
				return err
			}
			return nil // Skip files we can't access
		}

		if info.IsDir() {
			if ExcludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			if !recursive && path != inputPath {
				return filepath.SkipDir
			}
			return nil
		}

		if ExcludedNames[info.Name()] {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ExcludedExtensions[ext] {
			return nil
		}

		isDicom := false
		for _, de := range DicomExtensions {
			if ext == de {
				isDicom = true
				break
			}
		}
		if !isDicom && hasDicomMagicBytes(path) {
			isDicom = true
		}

		if isDicom {
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.Walk(inputPath, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// hasDicomMagicBytes checks for "DICM" at offset 128
func hasDicomMagicBytes(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, 132)
	if _, err := io.ReadFull(file, header); err != nil {
		return false
	}
	return string(header[128:132]) == "DICM"
}
