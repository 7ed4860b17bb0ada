package cgroup

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// The kernel interface is just files; pointing the manager at a plain
// directory checks the exact bytes written without needing a real
// delegated hierarchy.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{log: testLog(), basePath: t.TempDir()}
}

func readControl(t *testing.T, cg *Cgroup, file string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cg.path, file))
	if err != nil {
		t.Fatalf("reading %s: %v", file, err)
	}
	return string(data)
}

func TestNewCreatesDirectory(t *testing.T) {
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(cg.path)
	if err != nil || !info.IsDir() {
		t.Fatalf("cgroup directory missing: %v", err)
	}

	// Creating the same child's cgroup again reuses the directory.
	if _, err := m.New("web"); err != nil {
		t.Fatalf("second New: %v", err)
	}
}

func TestAddProcessWritesPid(t *testing.T) {
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cg.AddProcess(1234); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}
	if got := readControl(t, cg, "cgroup.procs"); got != "1234" {
		t.Errorf("cgroup.procs = %q, want 1234", got)
	}
}

func TestSetMemoryLimit(t *testing.T) {
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := cg.SetMemoryLimit(64 * 1024 * 1024); err != nil {
		t.Fatalf("SetMemoryLimit: %v", err)
	}
	if got := readControl(t, cg, "memory.max"); got != "67108864" {
		t.Errorf("memory.max = %q", got)
	}

	// Non-positive limits are a no-op, not a zero-byte cap.
	if err := cg.SetMemoryLimit(0); err != nil {
		t.Fatalf("SetMemoryLimit(0): %v", err)
	}
	if got := readControl(t, cg, "memory.max"); got != "67108864" {
		t.Errorf("memory.max after no-op = %q", got)
	}
}

func TestSetCPUQuota(t *testing.T) {
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		percent int
		want    string
	}{
		{50, "50000 100000"},
		{100, "100000 100000"},
		{200, "200000 100000"},
	}
	for _, tt := range tests {
		if err := cg.SetCPUQuota(tt.percent); err != nil {
			t.Fatalf("SetCPUQuota(%d): %v", tt.percent, err)
		}
		if got := readControl(t, cg, "cpu.max"); got != tt.want {
			t.Errorf("cpu.max for %d%% = %q, want %q", tt.percent, got, tt.want)
		}
	}

	if err := cg.SetCPUQuota(0); err != nil {
		t.Fatalf("SetCPUQuota(0) should be a no-op: %v", err)
	}
}

func TestDestroyRemovesDirectory(t *testing.T) {
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cg.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(cg.path); !os.IsNotExist(err) {
		t.Errorf("cgroup directory still present after Destroy: %v", err)
	}
}

func TestDestroyFailsWhileOccupied(t *testing.T) {
	// In a real hierarchy the kernel refuses to remove a cgroup with
	// members; the plain-directory stand-in refuses for the same shape of
	// reason once a control file has been written.
	m := newTestManager(t)
	cg, err := m.New("web")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cg.AddProcess(1234); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}
	if err := cg.Destroy(); err == nil {
		t.Fatal("Destroy of a populated cgroup should fail")
	}
}
