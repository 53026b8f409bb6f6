package mdt

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// ProjectMetaDir holds a project's local config and counter file,
	// relative to the project root.
	ProjectMetaDir = ".mdt"
	// ProjectConfigFile is the per-project local configuration file name.
	ProjectConfigFile = "config.yml"
	// CounterFile is the persisted sequence high-water mark file name.
	CounterFile = ".mdt-next"
)

var projectCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// ProjectConfig is the validated description of one project: where it
// lives, where its tickets are, and what else to watch.
type ProjectConfig struct {
	Code           string   `json:"code"`
	RootPath       string   `json:"rootPath"`
	TicketPath     string   `json:"ticketPath"`
	DocumentPaths  []string `json:"documentPaths,omitempty"`
	ExcludeFolders []string `json:"excludeFolders,omitempty"`
}

// TicketDir is the absolute directory holding the project's ticket files.
func (c ProjectConfig) TicketDir() string {
	return filepath.Join(c.RootPath, c.TicketPath)
}

// ConfigPath is the absolute path of the project's local config file.
func (c ProjectConfig) ConfigPath() string {
	return filepath.Join(c.RootPath, ProjectMetaDir, ProjectConfigFile)
}

// CounterPath is the absolute path of the project's counter file.
func (c ProjectConfig) CounterPath() string {
	return filepath.Join(c.RootPath, ProjectMetaDir, CounterFile)
}

// WatchRoots are the absolute directories whose contents feed the
// project's change signals.
func (c ProjectConfig) WatchRoots() []string {
	roots := []string{c.TicketDir()}
	for _, doc := range c.DocumentPaths {
		roots = append(roots, filepath.Join(c.RootPath, doc))
	}
	return roots
}

// Equal reports whether two configs watch the same paths the same way.
func (c ProjectConfig) Equal(other ProjectConfig) bool {
	if c.Code != other.Code || c.RootPath != other.RootPath || c.TicketPath != other.TicketPath {
		return false
	}
	if !stringSlicesEqual(c.DocumentPaths, other.DocumentPaths) {
		return false
	}
	return stringSlicesEqual(c.ExcludeFolders, other.ExcludeFolders)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ProjectStatus is a registry entry: a project that was discovered,
// whether or not it survived validation. Invalid projects stay visible
// with a reason and are re-evaluated on every scan.
type ProjectStatus struct {
	Config         ProjectConfig `json:"config"`
	DescriptorPath string        `json:"descriptorPath"`
	Valid          bool          `json:"valid"`
	Reason         string        `json:"reason,omitempty"`
}

func validProjectCode(code string) bool {
	return projectCodePattern.MatchString(code)
}

// resolveWithinRoot joins rel onto root and rejects anything that
// escapes the root (absolute paths, ".." traversal).
func resolveWithinRoot(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: path %q must be relative to the project root", ErrInvalidInput, rel)
	}
	joined := filepath.Join(root, rel)
	back, err := filepath.Rel(root, joined)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrInvalidInput, rel, err)
	}
	if back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the project root", ErrInvalidInput, rel)
	}
	return joined, nil
}
