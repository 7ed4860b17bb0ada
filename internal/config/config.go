// Package config materializes the configuration object the engine
// consumes from a TOML document: a [global] table for the control socket,
// process-wide umask, and logging, and one [run.<name>] table per
// supervised child.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// ErrEmptyRun is returned when the [run] table has no entries.
var ErrEmptyRun = errors.New("config: run table is empty")

// ErrMissingCommand is returned when a [run.<name>] entry has no command.
var ErrMissingCommand = errors.New("config: missing command")

// rawCommand accepts either a TOML string (shell form, run via
// `/bin/sh -c`) or a TOML array (argv form) for `command`.
type rawCommand struct {
	shell string
	argv  []string
}

func (c *rawCommand) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		c.shell = val
	case []interface{}:
		for _, e := range val {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("config: command array must contain only strings")
			}
			c.argv = append(c.argv, s)
		}
	default:
		return fmt.Errorf("config: command must be a string or array of strings")
	}
	return nil
}

// rawRunEntry accepts either a bare command value (`web = "sleep 60"`
// under [run]) or a full [run.<name>] options table.
type rawRunEntry struct {
	Command       rawCommand
	StartDelay    *int
	StartRetries  *int
	StopSignal    string
	ReloadSignal  string
	Umask         string
	User          string
	Group         string
	MemoryLimitMB int
	CPUQuotaPct   int
}

func (e *rawRunEntry) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string, []interface{}:
		return e.Command.UnmarshalTOML(val)
	case map[string]interface{}:
		return e.fromTable(val)
	default:
		return fmt.Errorf("config: run entry must be a command or an options table")
	}
}

func (e *rawRunEntry) fromTable(tbl map[string]interface{}) error {
	for key, v := range tbl {
		var err error
		switch key {
		case "command":
			err = e.Command.UnmarshalTOML(v)
		case "start_delay":
			err = intField(key, v, func(n int) { e.StartDelay = &n })
		case "start_retries":
			err = intField(key, v, func(n int) { e.StartRetries = &n })
		case "stop_signal":
			err = stringField(key, v, &e.StopSignal)
		case "reload_signal":
			err = stringField(key, v, &e.ReloadSignal)
		case "umask":
			err = stringField(key, v, &e.Umask)
		case "user":
			err = stringField(key, v, &e.User)
		case "group":
			err = stringField(key, v, &e.Group)
		case "memory_limit_mb":
			err = intField(key, v, func(n int) { e.MemoryLimitMB = n })
		case "cpu_quota_percent":
			err = intField(key, v, func(n int) { e.CPUQuotaPct = n })
		default:
			err = fmt.Errorf("config: unknown key %q in run entry", key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func stringField(key string, v interface{}, dst *string) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("config: %s must be a string", key)
	}
	*dst = s
	return nil
}

func intField(key string, v interface{}, set func(int)) error {
	n, ok := v.(int64)
	if !ok {
		return fmt.Errorf("config: %s must be an integer", key)
	}
	set(int(n))
	return nil
}

type rawLog struct {
	File  string `toml:"file"`
	Level string `toml:"level"`
}

type rawGlobal struct {
	Listen string `toml:"listen"`
	Umask  string `toml:"umask"`
	Log    rawLog `toml:"log"`
}

type rawConfig struct {
	Global rawGlobal              `toml:"global"`
	Run    map[string]rawRunEntry `toml:"run"`
}

// ChildConfig is one configured child, defaults already applied.
type ChildConfig struct {
	Name          string
	Argv          []string // set if the command was an array
	Shell         string   // set if the command was a shell string
	StartDelaySec int
	StartRetries  int
	StopSignal    string
	ReloadSignal  string
	Umask         string
	User          string
	Group         string
	MemoryLimitMB int
	CPUQuotaPct   int
}

// LogConfig configures the Logging Sink.
type LogConfig struct {
	File  string
	Level string
}

// Config is the fully materialized, defaulted configuration object
// consumed by the Engine.
type Config struct {
	Listen   string
	Umask    string
	Log      LogConfig
	Children []ChildConfig
}

const (
	defaultStartDelay   = 1
	defaultStartRetries = 10
	defaultStopSignal   = "TERM"
	defaultReloadSignal = "HUP"
)

// Load parses and defaults a TOML configuration document. It decodes with
// toml.Decode rather than toml.Unmarshal so the returned MetaData's Keys()
// can recover the [run.<name>] tables' on-disk order; Go map iteration is
// randomized, and `status` output must list children in a stable,
// configuration-derived order.
func Load(data []byte) (*Config, error) {
	var raw rawConfig
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return fromRaw(raw, runOrder(md))
}

// runOrder walks md's keys for the top-level [run.<name>] tables in the
// order they were written, skipping nested keys (e.g. run.name.command).
func runOrder(md toml.MetaData) []string {
	var order []string
	seen := make(map[string]bool)
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != "run" {
			continue
		}
		name := key[1]
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	return order
}

func fromRaw(raw rawConfig, order []string) (*Config, error) {
	if len(raw.Run) == 0 {
		return nil, ErrEmptyRun
	}

	cfg := &Config{
		Listen: raw.Global.Listen,
		Umask:  raw.Global.Umask,
		Log: LogConfig{
			File:  raw.Global.Log.File,
			Level: raw.Global.Log.Level,
		},
	}

	for _, name := range order {
		entry := raw.Run[name]
		if entry.Command.shell == "" && len(entry.Command.argv) == 0 {
			return nil, fmt.Errorf("%w: child %q", ErrMissingCommand, name)
		}

		cc := ChildConfig{
			Name:          name,
			Argv:          entry.Command.argv,
			Shell:         entry.Command.shell,
			StartDelaySec: defaultStartDelay,
			StartRetries:  defaultStartRetries,
			StopSignal:    defaultStopSignal,
			ReloadSignal:  defaultReloadSignal,
			Umask:         entry.Umask,
			User:          entry.User,
			Group:         entry.Group,
			MemoryLimitMB: entry.MemoryLimitMB,
			CPUQuotaPct:   entry.CPUQuotaPct,
		}
		if entry.StartDelay != nil {
			cc.StartDelaySec = *entry.StartDelay
		}
		if entry.StartRetries != nil {
			cc.StartRetries = *entry.StartRetries
		}
		if entry.StopSignal != "" {
			cc.StopSignal = entry.StopSignal
		}
		if entry.ReloadSignal != "" {
			cc.ReloadSignal = entry.ReloadSignal
		}

		cfg.Children = append(cfg.Children, cc)
	}

	return cfg, nil
}
