// Package remote provides the SSH side of task execution: host
// resolution from the user's SSH configuration file, and the session
// transport tasks run remote commands through.
package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// ErrHostNotFound is returned when a host name resolves to nothing
// usable in the SSH configuration.
var ErrHostNotFound = errors.New("host not found in ssh config")

// HostSpec is a resolved SSH configuration entry.
type HostSpec struct {
	Name         string `json:"name"`
	Hostname     string `json:"hostname"`
	User         string `json:"user"`
	IdentityFile string `json:"identityfile"`
	Port         string `json:"port"`
}

// DefaultConfigPath returns the user's standard SSH configuration file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

func decodeConfig(path string) (*ssh_config.Config, error) {
	f, err := os.Open(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}
	return cfg, nil
}

// Hosts enumerates the host aliases defined in the SSH config file.
// Wildcard patterns are excluded: a task runs on one named host, never
// on a pattern.
func Hosts(path string) ([]string, error) {
	cfg, err := decodeConfig(path)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			name := pattern.String()
			if strings.Contains(name, "*") || strings.Contains(name, "?") {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

// Lookup resolves one host alias to its spec. Wildcard entries still
// participate in resolution even though they are not enumerable.
func Lookup(path, name string) (*HostSpec, error) {
	cfg, err := decodeConfig(path)
	if err != nil {
		return nil, err
	}

	spec := &HostSpec{Name: name}
	if spec.Hostname, err = cfg.Get(name, "HostName"); err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", name, err)
	}
	if spec.Hostname == "" {
		spec.Hostname = name
	}
	if spec.User, err = cfg.Get(name, "User"); err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", name, err)
	}
	if spec.IdentityFile, err = cfg.Get(name, "IdentityFile"); err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", name, err)
	}
	spec.IdentityFile = expandHome(spec.IdentityFile)
	if spec.Port, err = cfg.Get(name, "Port"); err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", name, err)
	}
	if spec.Port == "" {
		spec.Port = "22"
	}
	return spec, nil
}

// LookupKnown resolves a host only when its alias appears in the
// enumerable host list.
func LookupKnown(path, name string) (*HostSpec, error) {
	names, err := Hosts(path)
	if err != nil {
		return nil, err
	}
	for _, known := range names {
		if known == name {
			return Lookup(path, name)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotFound, name)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
