// Package platform resolves the host-specific directories, shell, and
// resource probes the rest of the orchestrator needs, so no other package
// has to branch on runtime.GOOS directly.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

// ShellKind identifies the interactive shell to personalize inside a
// workspace and to launch for `vm ssh`.
type ShellKind string

const (
	ShellBash ShellKind = "bash"
	ShellZsh  ShellKind = "zsh"
	ShellFish ShellKind = "fish"
	ShellSh   ShellKind = "sh"
)

// Platform exposes the host facts the config pipeline, port registry and
// providers need, without any of them importing "runtime" or "os" directly.
type Platform interface {
	ConfigDir() string
	DataDir() string
	CacheDir() string
	StateDir() string
	BinDir() string
	HomeDir() string

	PortRegistryPath() string
	SecretsDir() string
	SnapshotsDir() string

	Shell() ShellKind
	PathSeparator() rune
	SplitPath(p string) []string
	JoinPath(elem ...string) string

	// InstallExecutable copies src to BinDir()/name with mode 0755 and
	// returns the destination path. It copies on every OS; it creates no
	// symlink and no .bat/.ps1 wrapper.
	InstallExecutable(src, name string) (string, error)

	CPUCores() int
	TotalMemoryBytes() uint64
}

type hostPlatform struct {
	home string
}

// New constructs the Platform for the current host.
func New() (Platform, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &hostPlatform{home: home}, nil
}

func (p *hostPlatform) HomeDir() string { return p.home }

func (p *hostPlatform) ConfigDir() string {
	return filepath.Join(p.home, ".config", "vm")
}

func (p *hostPlatform) DataDir() string {
	return filepath.Join(p.home, ".local", "share", "vm")
}

func (p *hostPlatform) CacheDir() string {
	return filepath.Join(p.home, ".cache", "vm")
}

func (p *hostPlatform) StateDir() string {
	return filepath.Join(p.home, ".local", "state", "vm")
}

func (p *hostPlatform) BinDir() string {
	return filepath.Join(p.home, ".local", "bin")
}

func (p *hostPlatform) PortRegistryPath() string {
	return filepath.Join(p.StateDir(), "port-registry.json")
}

func (p *hostPlatform) SecretsDir() string {
	return filepath.Join(p.DataDir(), "secrets")
}

func (p *hostPlatform) SnapshotsDir() string {
	return filepath.Join(p.DataDir(), "snapshots")
}

func (p *hostPlatform) Shell() ShellKind {
	shellPath := os.Getenv("SHELL")
	switch {
	case hasSuffix(shellPath, "zsh"):
		return ShellZsh
	case hasSuffix(shellPath, "fish"):
		return ShellFish
	case hasSuffix(shellPath, "bash"):
		return ShellBash
	default:
		return ShellSh
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (p *hostPlatform) PathSeparator() rune {
	return os.PathSeparator
}

func (p *hostPlatform) SplitPath(path string) []string {
	var parts []string
	for path != "" && path != string(os.PathSeparator) {
		dir, file := filepath.Split(filepath.Clean(path))
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		if dir == path {
			break
		}
		path = filepath.Clean(dir)
	}
	return parts
}

func (p *hostPlatform) JoinPath(elem ...string) string {
	return filepath.Join(elem...)
}

func (p *hostPlatform) InstallExecutable(src, name string) (string, error) {
	dest := filepath.Join(p.BinDir(), name)
	if err := os.MkdirAll(p.BinDir(), 0o755); err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return "", err
	}
	return dest, nil
}

func (p *hostPlatform) CPUCores() int {
	return runtime.NumCPU()
}

func (p *hostPlatform) TotalMemoryBytes() uint64 {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				fields := strings.Fields(line)
				if len(fields) >= 2 && fields[0] == "MemTotal:" {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024
					}
				}
			}
		}
	}
	return memory.TotalMemory()
}
