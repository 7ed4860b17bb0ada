package config

import (
	"errors"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[run.web]
command = "sleep 60"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Children) != 1 {
		t.Fatalf("got %d children, want 1", len(cfg.Children))
	}

	cc := cfg.Children[0]
	if cc.Name != "web" {
		t.Errorf("Name = %q, want web", cc.Name)
	}
	if cc.Shell != "sleep 60" {
		t.Errorf("Shell = %q, want sleep 60", cc.Shell)
	}
	if len(cc.Argv) != 0 {
		t.Errorf("Argv = %v, want empty for a string command", cc.Argv)
	}
	if cc.StartDelaySec != 1 {
		t.Errorf("StartDelaySec = %d, want default 1", cc.StartDelaySec)
	}
	if cc.StartRetries != 10 {
		t.Errorf("StartRetries = %d, want default 10", cc.StartRetries)
	}
	if cc.StopSignal != "TERM" {
		t.Errorf("StopSignal = %q, want default TERM", cc.StopSignal)
	}
	if cc.ReloadSignal != "HUP" {
		t.Errorf("ReloadSignal = %q, want default HUP", cc.ReloadSignal)
	}
}

func TestLoadArgvCommand(t *testing.T) {
	cfg, err := Load([]byte(`
[run.worker]
command = ["/usr/local/bin/worker", "--queue=default"]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cc := cfg.Children[0]
	if cc.Shell != "" {
		t.Errorf("Shell = %q, want empty for an argv command", cc.Shell)
	}
	if len(cc.Argv) != 2 || cc.Argv[0] != "/usr/local/bin/worker" || cc.Argv[1] != "--queue=default" {
		t.Errorf("Argv = %v", cc.Argv)
	}
}

func TestLoadBareCommandEntries(t *testing.T) {
	cfg, err := Load([]byte(`
[run]
web = "sleep 60"
queue = ["/bin/worker", "-q"]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(cfg.Children))
	}

	web := cfg.Children[0]
	if web.Name != "web" || web.Shell != "sleep 60" {
		t.Errorf("bare string entry = %+v", web)
	}
	if web.StartDelaySec != 1 || web.StartRetries != 10 {
		t.Errorf("bare entry should still get defaults, got %+v", web)
	}

	queue := cfg.Children[1]
	if queue.Name != "queue" || len(queue.Argv) != 2 {
		t.Errorf("bare array entry = %+v", queue)
	}
}

func TestLoadRejectsUnknownRunKey(t *testing.T) {
	_, err := Load([]byte(`
[run.x]
command = "sleep 1"
restart_policy = "always"
`))
	if err == nil {
		t.Fatal("Load accepted an unknown run-entry key")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load([]byte(`
[global]
listen = "127.0.0.1:9999"
umask = "022"

[global.log]
file = "/var/log/sv.log"
level = "debug"

[run.x]
command = "/bin/false"
start_delay = 0
start_retries = 3
stop_signal = "KILL"
reload_signal = "USR2"
user = "nobody"
group = "nogroup"
umask = "027"
memory_limit_mb = 64
cpu_quota_percent = 50
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Umask != "022" {
		t.Errorf("Umask = %q", cfg.Umask)
	}
	if cfg.Log.File != "/var/log/sv.log" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	cc := cfg.Children[0]
	if cc.StartDelaySec != 0 {
		t.Errorf("StartDelaySec = %d, want explicit 0", cc.StartDelaySec)
	}
	if cc.StartRetries != 3 {
		t.Errorf("StartRetries = %d, want 3", cc.StartRetries)
	}
	if cc.StopSignal != "KILL" || cc.ReloadSignal != "USR2" {
		t.Errorf("signals = %q/%q", cc.StopSignal, cc.ReloadSignal)
	}
	if cc.User != "nobody" || cc.Group != "nogroup" || cc.Umask != "027" {
		t.Errorf("identity = %q/%q/%q", cc.User, cc.Group, cc.Umask)
	}
	if cc.MemoryLimitMB != 64 || cc.CPUQuotaPct != 50 {
		t.Errorf("limits = %d/%d", cc.MemoryLimitMB, cc.CPUQuotaPct)
	}
}

func TestLoadPreservesRunOrder(t *testing.T) {
	cfg, err := Load([]byte(`
[run.zeta]
command = "sleep 1"

[run.alpha]
command = "sleep 1"

[run.mid]
command = "sleep 1"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	if len(cfg.Children) != len(want) {
		t.Fatalf("got %d children, want %d", len(cfg.Children), len(want))
	}
	for i, name := range want {
		if cfg.Children[i].Name != name {
			t.Errorf("Children[%d] = %q, want %q", i, cfg.Children[i].Name, name)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty document", ``, ErrEmptyRun},
		{"global only", "[global]\nlisten = \"127.0.0.1:9999\"\n", ErrEmptyRun},
		{"missing command", "[run.x]\nstart_delay = 2\n", ErrMissingCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsBadCommandTypes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"integer command", "[run.x]\ncommand = 42\n"},
		{"mixed array", "[run.x]\ncommand = [\"/bin/true\", 1]\n"},
		{"not toml", "run = {"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]byte(tt.doc)); err == nil {
				t.Fatal("Load accepted malformed input")
			}
		})
	}
}
