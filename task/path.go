package task

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathFunc computes the destination file for an item. It must be a
// deterministic function of the item identity and quality.
type PathFunc func(item Item, quality Quality, baseDir string) (string, error)

var unsafeName = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "",
)

// NewPathFunc builds a PathFunc from a file name format. Supported
// placeholders: {name} {singer} {album} {source} {id}.
func NewPathFunc(format string) PathFunc {
	return func(item Item, quality Quality, baseDir string) (string, error) {
		if strings.TrimSpace(baseDir) == "" {
			return "", fmt.Errorf("download directory is not configured")
		}
		base, err := filepath.Abs(baseDir)
		if err != nil {
			return "", fmt.Errorf("resolve download directory: %w", err)
		}

		name := FileName(format, item)
		return filepath.Join(base, name+"."+quality.Ext()), nil
	}
}

// FileName renders format for item without extension, stripped of
// characters that are unsafe in file names.
func FileName(format string, item Item) string {
	if item.Name == "" {
		format = "{source}_{id}"
	}
	if format == "" {
		format = "{name} - {singer}"
	}

	name := strings.NewReplacer(
		"{name}", item.Name,
		"{singer}", item.Singer,
		"{album}", item.Album,
		"{source}", item.Source,
		"{id}", item.ID,
	).Replace(format)

	name = strings.TrimSpace(unsafeName.Replace(name))
	name = strings.Trim(name, ". ")
	if name == "" {
		name = string(item.Identity())
	}
	return name
}
