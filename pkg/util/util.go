package util

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

func PathIsNotExist(fullPath string) bool {
	_, err := os.Stat(fullPath)
	return os.IsNotExist(err)
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsRegularFile reports whether path exists and is a regular file.
func IsRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// TouchFile creates an empty file at path, truncating any existing content.
func TouchFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return file.Close()
}

// SubDirectories returns the immediate subdirectories of root sorted by name.
func SubDirectories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(root, entry.Name()))
		}
	}
	slices.Sort(dirs)
	return dirs, nil
}

// BaseURL turns a host:port address into an http base URL. Addresses that
// already carry a scheme are returned without a trailing slash.
func BaseURL(address string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/")
	}
	return fmt.Sprintf("http://%s", strings.TrimRight(address, "/"))
}
