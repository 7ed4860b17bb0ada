// Package cgroup applies optional best-effort resource limits (memory,
// CPU) to supervised children via the cgroup v2 unified hierarchy. Limits
// are applied once after a child starts; failures are logged and ignored,
// never fatal.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const cgroupRoot = "/sys/fs/cgroup"

// Cgroup is a single cgroup v2 directory created for one supervised child.
type Cgroup struct {
	name string
	path string
}

// Manager locates a writable cgroup base once and creates per-child
// cgroups under it.
type Manager struct {
	log      *logrus.Entry
	basePath string
}

// NewManager discovers a writable cgroup v2 location (the current
// process's own delegated cgroup, or the root if running privileged) and
// enables the cpu/memory/pids controllers for children created under it.
// Returns an error if no writable location was found; callers should treat
// this as best-effort and continue without resource limits.
func NewManager(log *logrus.Entry) (*Manager, error) {
	base, err := findWritableBase()
	if err != nil {
		return nil, err
	}
	m := &Manager{log: log, basePath: base}

	controlPath := filepath.Join(base, "cgroup.subtree_control")
	if err := os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644); err != nil {
		log.WithError(err).Debug("cgroup: could not enable all controllers")
	}
	log.WithField("path", base).Info("cgroup: resource limits available")
	return m, nil
}

func getSelfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("cgroup: unexpected /proc/self/cgroup format: %s", line)
	}
	return parts[1], nil
}

// findWritableBase tries the current process's own (possibly
// systemd-delegated) cgroup first, moving the supervisor itself into a
// leaf cgroup so the parent can enable controllers for its children (the
// cgroup v2 "no internal processes" rule), then falls back to the root
// hierarchy for privileged/non-systemd hosts.
func findWritableBase() (string, error) {
	if selfCgroup, err := getSelfCgroup(); err == nil && selfCgroup != "" {
		parentPath := filepath.Join(cgroupRoot, selfCgroup)
		supervisorPath := filepath.Join(parentPath, "supervisor")
		if err := os.MkdirAll(supervisorPath, 0755); err == nil {
			procsPath := filepath.Join(supervisorPath, "cgroup.procs")
			if err := os.WriteFile(procsPath, []byte(strconv.Itoa(os.Getpid())), 0644); err == nil {
				return parentPath, nil
			}
		}
		path := filepath.Join(parentPath, "gosv")
		if err := os.MkdirAll(path, 0755); err == nil {
			return path, nil
		}
	}

	path := filepath.Join(cgroupRoot, "gosv")
	if err := os.MkdirAll(path, 0755); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("cgroup: no writable cgroup location found")
}

// New creates (or reuses) the per-child cgroup directory named by name.
func (m *Manager) New(name string) (*Cgroup, error) {
	path := filepath.Join(m.basePath, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("cgroup: create %s: %w", name, err)
	}
	return &Cgroup{name: name, path: path}, nil
}

// AddProcess moves pid into the cgroup.
func (c *Cgroup) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// SetMemoryLimit sets memory.max in bytes; bytes<=0 is a no-op.
func (c *Cgroup) SetMemoryLimit(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0644)
}

// SetCPUQuota sets cpu.max as a percentage of one core (100 = 1 core),
// using a 100ms accounting period.
func (c *Cgroup) SetCPUQuota(percent int) error {
	if percent <= 0 {
		return nil
	}
	const period = 100000
	quota := (percent * period) / 100
	value := fmt.Sprintf("%d %d", quota, period)
	return os.WriteFile(filepath.Join(c.path, "cpu.max"), []byte(value), 0644)
}

// Destroy removes the cgroup directory; fails if processes remain in it.
func (c *Cgroup) Destroy() error {
	return os.Remove(c.path)
}
