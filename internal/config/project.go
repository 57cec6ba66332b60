package config

import (
	"os"
	"path/filepath"
)

// HomeDirName is the per-project state directory.
const HomeDirName = ".kparouter"

// FindProjectRoot looks for the .kparouter directory starting from the current
// working directory and moving up the directory tree
func FindProjectRoot() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := currentDir
	for {
		if _, err := os.Stat(filepath.Join(dir, HomeDirName)); err == nil {
			return dir, nil
		}

		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			break
		}
		dir = parentDir
	}

	// If no .kparouter directory found, return current directory
	return currentDir, nil
}

// GetHomeDir returns the path to the .kparouter directory relative to the project root
func GetHomeDir(projectRoot string) string {
	return filepath.Join(projectRoot, HomeDirName)
}

// EnsureDirs creates every directory the pipeline writes into.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.KPABase,
		c.DirectorQueue,
		c.DumpDir,
		filepath.Dir(c.AuditLog),
	}
	if c.LogFile != "" {
		dirs = append(dirs, filepath.Dir(c.LogFile))
	}
	if c.LedgerEnabled && c.LedgerPath != "" {
		dirs = append(dirs, filepath.Dir(c.LedgerPath))
	}
	if c.InboxDir != "" {
		dirs = append(dirs, c.InboxDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}
