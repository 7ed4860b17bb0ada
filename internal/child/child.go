// Package child implements the per-child lifecycle state machine: it owns
// one supervised process's pid, exit watcher, restart counter and window,
// and exposes the start/stop/restart/reload/signal operations the control
// server and signal router both drive. Each Child guards its own state
// with a mutex because operator commands, exit notifications, and restart
// timers arrive from different goroutines.
package child

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/kornellio/gosv/internal/cgroup"
	"github.com/kornellio/gosv/internal/clock"
	"github.com/kornellio/gosv/internal/proc"
)

// State tracks the lifecycle of a supervised child.
type State int

const (
	Idle State = iota
	Starting
	Running
	Broken
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Broken:
		return "broken"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Spec is the static, immutable-after-construction configuration for one
// Child, taken from the materialized config object.
type Spec struct {
	Name         string
	Argv         []string
	Shell        string
	StartDelay   time.Duration
	StartRetries int // 0 means unlimited
	StopSignal   syscall.Signal
	ReloadSignal syscall.Signal
	Uid          *uint32
	Gid          *uint32
	Umask        *int

	// MemoryLimitMB and CPUQuotaPct configure optional best-effort cgroup
	// resource limits; zero means "no limit".
	MemoryLimitMB int
	CPUQuotaPct   int
}

// Child is one supervised process and its dynamic state.
type Child struct {
	spec    Spec
	clock   clock.Clock
	log     *logrus.Entry
	cgroups *cgroup.Manager // nil if resource limits are unavailable/unconfigured

	mu         sync.Mutex
	state      State
	pid        int
	startCount int
	startTS    time.Time
	lastStatus int
	broken     bool
	handle     *proc.Handle
	cg         *cgroup.Cgroup // created on first start with limits, reused across restarts

	// generation guards pending restart timers and stale exit
	// notifications: each start attempt bumps it, a scheduled restart or
	// exit watcher captures the value at creation time and no-ops if it
	// has since changed.
	generation uint64

	// shuttingDown suppresses all future restarts once the signal router
	// has broadcast TERM, even while exit callbacks are still draining.
	shuttingDown int32
}

// New constructs a Child in the idle state. It does not start the process.
// cgroups may be nil, in which case memory/CPU limits configured on spec
// are silently skipped.
func New(spec Spec, c clock.Clock, log *logrus.Entry, cgroups *cgroup.Manager) *Child {
	return &Child{
		spec:    spec,
		clock:   c,
		log:     log.WithField("child", spec.Name),
		cgroups: cgroups,
	}
}

// Name returns the child's configured name.
func (c *Child) Name() string { return c.spec.Name }

// MarkShuttingDown prevents any further restart from being scheduled, used
// by the signal router on TERM.
func (c *Child) MarkShuttingDown() {
	atomic.StoreInt32(&c.shuttingDown, 1)
}

func (c *Child) isShuttingDown() bool {
	return atomic.LoadInt32(&c.shuttingDown) == 1
}

// Snapshot is an immutable copy of a Child's dynamic state for reporting.
type Snapshot struct {
	Name       string
	State      State
	PID        int
	Uptime     time.Duration
	StartCount int
}

// Status returns a Snapshot of the Child's current dynamic state.
func (c *Child) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Name: c.spec.Name, State: c.state, PID: c.pid, StartCount: c.startCount}
	if c.state == Running || c.state == Starting {
		s.Uptime = time.Since(c.startTS)
	}
	return s
}

// Start launches the process. Returns false if the Child is already
// running. Clears broken and resets shuttingDown so an operator start
// always takes effect regardless of prior shutdown signaling.
func (c *Child) Start() (bool, error) {
	c.mu.Lock()
	if c.state == Running || c.state == Starting {
		c.mu.Unlock()
		return false, fmt.Errorf("child: %s already running", c.spec.Name)
	}
	atomic.StoreInt32(&c.shuttingDown, 0)
	if c.broken {
		// An explicit start grants a fresh retry budget.
		c.broken = false
		c.startCount = 0
	}
	ok, err := c.startLocked()
	c.mu.Unlock()
	return ok, err
}

// startLocked performs one start attempt. Caller must hold c.mu.
func (c *Child) startLocked() (bool, error) {
	c.startCount++
	gen := atomic.AddUint64(&c.generation, 1)

	spawnSpec := proc.Spec{
		Argv:  c.spec.Argv,
		Shell: c.spec.Shell,
		Uid:   c.spec.Uid,
		Gid:   c.spec.Gid,
		Umask: c.spec.Umask,
	}

	h, err := proc.Spawn(spawnSpec)
	if err != nil {
		c.log.WithError(err).WithField("attempt", c.startCount).Warn("spawn failed")
		c.state = Idle
		c.evaluateRestartLocked()
		return false, err
	}

	c.handle = h
	c.pid = h.PID()
	c.startTS = time.Now()
	c.state = Starting

	c.log.WithFields(logrus.Fields{"pid": c.pid, "attempt": c.startCount}).Info("started")

	if c.cgroups != nil && (c.spec.MemoryLimitMB > 0 || c.spec.CPUQuotaPct > 0) {
		c.applyCgroupLocked(h.PID())
	}

	go c.awaitExit(h, gen)

	return true, nil
}

// applyCgroupLocked best-effort applies the configured resource limits to
// the just-spawned process, logging and continuing on any failure.
func (c *Child) applyCgroupLocked(pid int) {
	if c.cg == nil {
		cg, err := c.cgroups.New(c.spec.Name)
		if err != nil {
			c.log.WithError(err).Warn("cgroup: create failed")
			return
		}
		c.cg = cg
	}
	if err := c.cg.AddProcess(pid); err != nil {
		c.log.WithError(err).Warn("cgroup: add process failed")
		return
	}
	if c.spec.MemoryLimitMB > 0 {
		if err := c.cg.SetMemoryLimit(int64(c.spec.MemoryLimitMB) * 1024 * 1024); err != nil {
			c.log.WithError(err).Warn("cgroup: set memory limit failed")
		}
	}
	if c.spec.CPUQuotaPct > 0 {
		if err := c.cg.SetCPUQuota(c.spec.CPUQuotaPct); err != nil {
			c.log.WithError(err).Warn("cgroup: set cpu quota failed")
		}
	}
}

// ReleaseResources removes the child's cgroup directory if one was
// created, called on supervisor shutdown. Best effort: the kernel refuses
// the removal while processes remain in the cgroup, which happens when
// the child has not exited yet, so failures are only logged.
func (c *Child) ReleaseResources() {
	c.mu.Lock()
	cg := c.cg
	c.cg = nil
	c.mu.Unlock()

	if cg == nil {
		return
	}
	if err := cg.Destroy(); err != nil {
		c.log.WithError(err).Debug("cgroup: destroy failed")
	}
}

// awaitExit runs on its own goroutine per spawn and feeds the exit event
// back once the process terminates.
func (c *Child) awaitExit(h *proc.Handle, gen uint64) {
	status := <-h.Wait()
	c.onExit(gen, status)
}

func (c *Child) onExit(gen uint64, status proc.ExitStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadUint64(&c.generation) != gen {
		// A newer start already moved state past this spawn; this exit
		// notification is stale.
		return
	}

	ran := time.Since(c.startTS)
	c.lastStatus = status.Code & 0xff
	c.pid = 0
	c.handle = nil

	if c.state == Stopping {
		// Operator stop already cleared counters; the exit it provoked
		// must not trigger a restart.
		c.state = Idle
		return
	}

	// The stability check compares whole seconds, so a start_delay of 0
	// never forgives an instant crash.
	if ran.Truncate(time.Second) > c.spec.StartDelay {
		c.startCount = 0
	}

	c.state = Idle
	c.log.WithFields(logrus.Fields{"code": c.lastStatus, "ran": ran}).Info("exited")

	c.evaluateRestartLocked()
}

// evaluateRestartLocked applies the restart policy: transition to Broken
// once start_retries is exhausted, otherwise schedule a one-shot restart
// after start_delay. Caller holds c.mu.
func (c *Child) evaluateRestartLocked() {
	if c.isShuttingDown() {
		return
	}
	if c.spec.StartRetries > 0 && c.startCount >= c.spec.StartRetries {
		c.state = Broken
		c.broken = true
		c.log.WithField("attempts", c.startCount).Warn("retries exhausted, child is broken")
		return
	}

	gen := atomic.LoadUint64(&c.generation)
	c.scheduleRestartLocked(gen)
}

func (c *Child) scheduleRestartLocked(gen uint64) {
	delay := c.backoffDelay()
	c.clock.AfterFunc(delay, func() {
		c.fireScheduledRestart(gen)
	})
}

// backoffDelay returns the wait before the next start attempt: a constant
// start_delay interval every time, routed through ConstantBackOff.
func (c *Child) backoffDelay() time.Duration {
	b := backoff.NewConstantBackOff(c.spec.StartDelay)
	b.Reset()
	return b.NextBackOff()
}

// fireScheduledRestart is the clock callback. It no-ops if the Child's
// generation has moved on since scheduling, or if an operator stop, a
// broken transition, or shutdown made the restart inapplicable.
func (c *Child) fireScheduledRestart(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadUint64(&c.generation) != gen {
		return
	}
	if c.state != Idle || c.broken || c.isShuttingDown() {
		return
	}
	c.startLocked()
}

// Stop sends stop_signal to the running process and immediately clears
// state so no automatic restart follows; operator intent overrides the
// restart policy. Returns false if the Child has no live pid.
func (c *Child) Stop() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pid == 0 {
		// Between an exit and its scheduled restart there is no pid to
		// signal, but the operator's intent still cancels the pending
		// restart.
		if c.state == Idle {
			atomic.AddUint64(&c.generation, 1)
		}
		return false, fmt.Errorf("child: %s not running", c.spec.Name)
	}

	pid := c.pid
	if err := proc.Signal(pid, c.spec.StopSignal); err != nil {
		return false, fmt.Errorf("child: %s stop: %w", c.spec.Name, err)
	}

	// The generation is left alone: the exit watcher for this pid is still
	// live, and the Stopping state tells it to settle into Idle without
	// scheduling a restart.
	c.state = Stopping
	c.startCount = 0
	c.pid = 0
	c.log.WithField("signal", c.spec.StopSignal).Info("stopped")
	return true, nil
}

// Reload sends reload_signal if the process is running; no state change.
func (c *Child) Reload() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pid == 0 {
		return false, fmt.Errorf("child: %s not running", c.spec.Name)
	}
	if err := proc.Signal(c.pid, c.spec.ReloadSignal); err != nil {
		return false, fmt.Errorf("child: %s reload: %w", c.spec.Name, err)
	}
	return true, nil
}

// Restart sends stop_signal without clearing state, so the normal exit
// callback schedules the next start.
func (c *Child) Restart() (bool, error) {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	if pid == 0 {
		return false, fmt.Errorf("child: %s not running", c.spec.Name)
	}
	if err := proc.Signal(pid, c.spec.StopSignal); err != nil {
		return false, fmt.Errorf("child: %s restart: %w", c.spec.Name, err)
	}
	return true, nil
}

// Signal sends an arbitrary signal to the process if running.
func (c *Child) Signal(sig syscall.Signal) (bool, error) {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	if pid == 0 {
		return false, fmt.Errorf("child: %s not running", c.spec.Name)
	}
	if err := proc.Signal(pid, sig); err != nil {
		return false, err
	}
	return true, nil
}

// HasLivePID reports whether the Child currently has a running process,
// used by the signal router's broadcast and double-Ctrl-C detection.
func (c *Child) HasLivePID() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid != 0
}
