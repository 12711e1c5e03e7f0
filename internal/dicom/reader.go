// Package dicom turns DICOM study metadata into bronze tables.
package dicom

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Dataset wraps a parsed DICOM header.
type Dataset struct {
	Data     dicom.Dataset
	FilePath string
}

// ReadMetadata parses a DICOM file without its pixel data.
func ReadMetadata(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}

	return &Dataset{
		Data:     ds,
		FilePath: path,
	}, nil
}

// Lookup returns the text of a tag and whether the tag is present. Multi
// valued elements are joined with a backslash, the DICOM value separator.
func (d *Dataset) Lookup(t tag.Tag) (string, bool) {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return "", false
	}

	switch v := elem.Value.GetValue().(type) {
	case nil:
		return "", false
	case []string:
		return strings.TrimSpace(strings.Join(v, `\`)), true
	case string:
		return strings.TrimSpace(v), true
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprint(n)
		}
		return strings.Join(parts, `\`), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
