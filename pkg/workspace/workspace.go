// Package workspace lays out the gateway's local state: the scratch directory
// audio transcription writes to and the media archive database.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultRootDirName    = ".timelessbot"
	defaultScratchDirName = "scratch"
	defaultArchiveName    = "media.db"
)

// Layout holds resolved absolute paths. Every directory exists.
type Layout struct {
	Root        string
	ScratchDir  string
	ArchivePath string
}

// Resolve builds a layout. Relative scratch and archive paths resolve against
// root; blank values pick defaults inside it. A blank root means
// ~/.timelessbot.
func Resolve(root, scratchDir, archivePath string) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(homeDir, defaultRootDirName)
	}

	resolvedRoot, err := ResolveDir(root)
	if err != nil {
		return Layout{}, err
	}

	if strings.TrimSpace(scratchDir) == "" {
		scratchDir = defaultScratchDirName
	}
	resolvedScratch, err := ResolveDir(within(resolvedRoot, scratchDir))
	if err != nil {
		return Layout{}, err
	}

	if strings.TrimSpace(archivePath) == "" {
		archivePath = defaultArchiveName
	}
	resolvedArchive, err := ResolveFile(within(resolvedRoot, archivePath))
	if err != nil {
		return Layout{}, err
	}

	return Layout{Root: resolvedRoot, ScratchDir: resolvedScratch, ArchivePath: resolvedArchive}, nil
}

// ResolveDir expands ~, makes path absolute and creates the directory.
func ResolveDir(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("directory path must not be empty")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", cleanPath, err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("resolve directory %s: %w", cleanPath, err)
	}

	return filepath.Clean(resolved), nil
}

// ResolveFile resolves path like ResolveDir does for its parent directory and
// returns the absolute file path. The file itself is not created.
func ResolveFile(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("file path must not be empty")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	parent, err := ResolveDir(filepath.Dir(expanded))
	if err != nil {
		return "", err
	}

	return filepath.Join(parent, filepath.Base(expanded)), nil
}

func within(root, path string) string {
	path = strings.TrimSpace(path)
	if filepath.IsAbs(path) || path == "~" || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(root, path)
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}
