// Package engine is the top-level coordinator: it constructs children
// from a materialized configuration object, starts them, hosts the signal
// router and control server, and owns the shutdown rendezvous.
// Construction, which can fail on a bad configuration, is separate from
// running.
package engine

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kornellio/gosv/internal/cgroup"
	"github.com/kornellio/gosv/internal/child"
	"github.com/kornellio/gosv/internal/clock"
	"github.com/kornellio/gosv/internal/config"
	"github.com/kornellio/gosv/internal/control"
	"github.com/kornellio/gosv/internal/signalrouter"
)

// Engine owns every Child, the Signal Router, and (optionally) the
// Control Server for one supervisor run.
type Engine struct {
	log      *logrus.Entry
	children map[string]*child.Child
	order    []string
	router   *signalrouter.Router
	control  *control.Server
	listen   string
}

// New constructs an Engine from a materialized Config. Fails fast on
// configuration errors: an empty run table, a malformed signal name, an
// unresolvable user or group.
func New(cfg *config.Config, log *logrus.Entry) (*Engine, error) {
	if len(cfg.Children) == 0 {
		return nil, config.ErrEmptyRun
	}

	e := &Engine{
		log:      log,
		children: make(map[string]*child.Child, len(cfg.Children)),
		listen:   cfg.Listen,
	}

	sysClock := clock.NewSystemClock()

	var cgroups *cgroup.Manager
	needsCgroups := false
	for _, cc := range cfg.Children {
		if cc.MemoryLimitMB > 0 || cc.CPUQuotaPct > 0 {
			needsCgroups = true
			break
		}
	}
	if needsCgroups {
		if mgr, err := cgroup.NewManager(log); err != nil {
			log.WithError(err).Warn("cgroup: resource limits unavailable, continuing without them")
		} else {
			cgroups = mgr
		}
	}

	for _, cc := range cfg.Children {
		stopSig, err := signalByName(cc.StopSignal)
		if err != nil {
			return nil, fmt.Errorf("config: child %q stop_signal: %w", cc.Name, err)
		}
		reloadSig, err := signalByName(cc.ReloadSignal)
		if err != nil {
			return nil, fmt.Errorf("config: child %q reload_signal: %w", cc.Name, err)
		}

		uid, gid, err := resolveUserGroup(cc.User, cc.Group)
		if err != nil {
			return nil, fmt.Errorf("config: child %q: %w", cc.Name, err)
		}
		umask, err := parseUmask(cc.Umask)
		if err != nil {
			return nil, fmt.Errorf("config: child %q umask: %w", cc.Name, err)
		}

		spec := child.Spec{
			Name:          cc.Name,
			Argv:          cc.Argv,
			Shell:         cc.Shell,
			StartDelay:    time.Duration(cc.StartDelaySec) * time.Second,
			StartRetries:  cc.StartRetries,
			StopSignal:    stopSig,
			ReloadSignal:  reloadSig,
			Uid:           uid,
			Gid:           gid,
			Umask:         umask,
			MemoryLimitMB: cc.MemoryLimitMB,
			CPUQuotaPct:   cc.CPUQuotaPct,
		}

		e.children[cc.Name] = child.New(spec, sysClock, log, cgroups)
		e.order = append(e.order, cc.Name)
	}

	var children []*child.Child
	for _, name := range e.order {
		children = append(children, e.children[name])
	}
	e.router = signalrouter.New(children, log)

	if cfg.Listen != "" {
		e.control = control.NewServer(e.children, e.order, log)
	}

	return e, nil
}

// Run installs signal handlers, binds the control listener if configured,
// starts every child, then blocks until shutdown is signaled. It does not
// wait for children to die; shutdown fans the signal out and returns.
func (e *Engine) Run() error {
	e.router.Start()

	if e.control != nil {
		if err := e.control.Listen(e.listen); err != nil {
			return err
		}
		go e.control.Serve()
	}

	for _, name := range e.order {
		if _, err := e.children[name].Start(); err != nil {
			e.log.WithField("child", name).WithError(err).Warn("initial start failed")
		}
	}

	e.log.Info("engine running")
	<-e.router.ShutdownCh()
	e.log.Info("engine shutting down")

	if e.control != nil {
		_ = e.control.Close()
	}

	for _, name := range e.order {
		e.children[name].ReleaseResources()
	}

	return nil
}

// resolveUserGroup looks up the configured user/group names into numeric
// uid/gid via os/user, returning nil for either that wasn't configured.
// A user with no explicit group contributes its primary group.
func resolveUserGroup(userName, groupName string) (*uint32, *uint32, error) {
	var uid, gid *uint32

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, nil, fmt.Errorf("group %q: %w", groupName, err)
		}
		v, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("group %q: bad gid: %w", groupName, err)
		}
		g32 := uint32(v)
		gid = &g32
	}

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, nil, fmt.Errorf("user %q: %w", userName, err)
		}
		v, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("user %q: bad uid: %w", userName, err)
		}
		u32 := uint32(v)
		uid = &u32

		if gid == nil {
			gv, err := strconv.ParseUint(u.Gid, 10, 32)
			if err == nil {
				g32 := uint32(gv)
				gid = &g32
			}
		}
	}

	return uid, gid, nil
}

func signalByName(name string) (syscall.Signal, error) {
	switch name {
	case "TERM":
		return syscall.SIGTERM, nil
	case "HUP":
		return syscall.SIGHUP, nil
	case "INT":
		return syscall.SIGINT, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	case "USR1":
		return syscall.SIGUSR1, nil
	case "USR2":
		return syscall.SIGUSR2, nil
	case "KILL":
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unrecognized signal name %q", name)
	}
}

func parseUmask(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid octal umask %q: %w", s, err)
	}
	u := int(v)
	return &u, nil
}
