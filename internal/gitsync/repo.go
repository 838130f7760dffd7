package gitsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoRepository is returned when no enclosing git repository exists.
var ErrNoRepository = errors.New("no git repository found")

// FindRepoRoot walks upward from start to the first directory containing
// .git (a directory, or a file for linked worktrees).
func FindRepoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("gitsync: resolve %s: %w", start, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("gitsync: %s: %w", start, ErrNoRepository)
		}
		dir = parent
	}
}
