package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Snapshot is a point-in-time read of /proc/[pid] for a supervised child,
// carrying the fields the control protocol's `info` command and the
// SIGUSR1 dump surface.
type Snapshot struct {
	PID     int
	Name    string
	State   string
	PPID    int
	Threads int
	VmRSS   int64 // KB
	NumFDs  int
}

// Dump reads a Snapshot for pid from procfs. Returns an error if the
// process is gone or /proc is unavailable (non-Linux).
func Dump(pid int) (*Snapshot, error) {
	procPath := fmt.Sprintf("/proc/%d", pid)
	if _, err := os.Stat(procPath); err != nil {
		return nil, fmt.Errorf("proc: %d does not exist: %w", pid, err)
	}

	s := &Snapshot{PID: pid}
	if err := s.readStatus(procPath); err != nil {
		return nil, err
	}
	s.NumFDs = countFDs(procPath)
	return s, nil
}

func (s *Snapshot) readStatus(procPath string) error {
	data, err := os.ReadFile(filepath.Join(procPath, "status"))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "Name":
			s.Name = val
		case "State":
			s.State = val
		case "PPid":
			s.PPID, _ = strconv.Atoi(val)
		case "Threads":
			s.Threads, _ = strconv.Atoi(val)
		case "VmRSS":
			fields := strings.Fields(val)
			if len(fields) > 0 {
				s.VmRSS, _ = strconv.ParseInt(fields[0], 10, 64)
			}
		}
	}
	return nil
}

func countFDs(procPath string) int {
	entries, err := os.ReadDir(filepath.Join(procPath, "fd"))
	if err != nil {
		return 0
	}
	return len(entries)
}

// String renders a Snapshot as the one-line summary used by SIGUSR1 dumps
// and the control protocol's `info` command.
func (s *Snapshot) String() string {
	return fmt.Sprintf("pid=%d name=%s state=%s ppid=%d threads=%d rss=%dkB fds=%d",
		s.PID, s.Name, s.State, s.PPID, s.Threads, s.VmRSS, s.NumFDs)
}
