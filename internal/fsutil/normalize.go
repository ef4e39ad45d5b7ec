// Package fsutil normalizes document paths supplied by clients.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrOutsideRoot = errors.New("path escapes document root")
	ErrEmptyPath   = errors.New("document path is required")
)

// CleanFSPath normalizes a slash or OS path into an fs.FS-style path: no
// leading slash, no dot segments, "." for the root itself.
func CleanFSPath(pathValue string) (string, error) {
	slashPath := filepath.ToSlash(strings.TrimSpace(pathValue))
	slashPath = strings.TrimLeft(slashPath, "/")
	if slashPath == "" {
		return ".", nil
	}
	cleaned := path.Clean(slashPath)
	if cleaned == "." {
		return ".", nil
	}
	if !fs.ValidPath(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, pathValue)
	}
	return cleaned, nil
}

// NormalizeDocPath turns the requestPath a rendered page reports (the
// already decoded URL path) into the watched-path form. It applies the same
// cleaning as the document handler so a page and its watch agree; '?', '#'
// and '%' are ordinary file name characters here.
func NormalizeDocPath(requestPath string) (string, error) {
	cleaned, err := CleanFSPath(requestPath)
	if err != nil {
		return "", err
	}
	if cleaned == "." {
		return "", ErrEmptyPath
	}
	return cleaned, nil
}

// JoinRoot maps a normalized document path onto the filesystem under root.
func JoinRoot(root, docPath string) string {
	return filepath.Join(root, filepath.FromSlash(docPath))
}
