// Package paths resolves strand's on-disk locations.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDir returns ~/.strand, or "" if the home directory is unavailable.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".strand")
}

// DBPath returns the default conversation database location inside DataDir.
func DBPath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "strand.db")
}

// LogPath returns the default log file location inside DataDir.
func LogPath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "strand.log")
}

// UserConfigDir returns ~/.config/strand, or "" if the home directory is
// unavailable.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "strand")
}

// UserConfigPath returns the user-level config file location.
func UserConfigPath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// ProjectConfigPath is the per-project config file, relative to the current
// directory. It takes precedence over the user-level config when present.
const ProjectConfigPath = ".strand/config.yaml"

// ResolveWorkDir normalizes a conversation working directory. Empty input
// resolves to the current directory. If the directory carries a
// .strand/redirect file its trimmed content is followed, relative to the
// directory; git worktrees use this to share one working tree.
func ResolveWorkDir(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)
	return followRedirect(path)
}

func followRedirect(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, ".strand", "redirect"))
	if err != nil {
		return dir
	}
	target := strings.TrimSpace(string(content))
	if target == "" {
		return dir
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(dir, target))
}
