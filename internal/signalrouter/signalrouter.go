// Package signalrouter installs handlers for INT, HUP, TERM, and USR1 and
// translates them into broadcast operations against the set of supervised
// children, driving shutdown.
package signalrouter

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kornellio/gosv/internal/child"
	"github.com/kornellio/gosv/internal/proc"
)

// Router owns the OS signal channel and fans incoming signals out to the
// supervised children.
type Router struct {
	log      *logrus.Entry
	children []*child.Child
	sigCh    chan os.Signal

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Router over the given children. ShutdownCh is closed
// exactly once, the moment shutdown should proceed.
func New(children []*child.Child, log *logrus.Entry) *Router {
	return &Router{
		log:        log,
		children:   children,
		sigCh:      make(chan os.Signal, 16),
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownCh fires once shutdown has been decided (TERM, or a second INT
// with no live children).
func (r *Router) ShutdownCh() <-chan struct{} { return r.shutdownCh }

// Start installs the OS signal handlers and begins routing them. It
// returns immediately; routing happens on its own goroutine, which is the
// only goroutine that decides shutdown, so signal handling never races
// with itself.
func (r *Router) Start() {
	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
	go r.loop()
}

func (r *Router) loop() {
	for sig := range r.sigCh {
		switch sig {
		case syscall.SIGINT:
			r.handleInt()
		case syscall.SIGHUP:
			r.broadcast(syscall.SIGHUP, "reload")
		case syscall.SIGTERM:
			r.handleTerm()
		case syscall.SIGUSR1:
			r.dumpIntrospection()
		}
	}
}

// handleInt implements the "double Ctrl-C" shutdown: broadcast INT to
// every live child; if none was alive when INT arrived, treat it as the
// operator's second Ctrl-C and signal shutdown.
func (r *Router) handleInt() {
	anyAlive := false
	for _, c := range r.children {
		if c.HasLivePID() {
			anyAlive = true
			if _, err := c.Signal(syscall.SIGINT); err != nil {
				r.log.WithField("child", c.Name()).WithError(err).Debug("signal failed")
			}
		}
	}
	if !anyAlive {
		r.log.Info("INT with no live children, shutting down")
		r.fireShutdown()
	} else {
		r.log.Info("INT broadcast to live children")
	}
}

// handleTerm broadcasts TERM to all live children and unconditionally
// signals shutdown completion; the engine does not wait for children to
// die.
func (r *Router) handleTerm() {
	r.log.Info("TERM received, broadcasting and shutting down")
	for _, c := range r.children {
		c.MarkShuttingDown()
		if c.HasLivePID() {
			if _, err := c.Signal(syscall.SIGTERM); err != nil {
				r.log.WithField("child", c.Name()).WithError(err).Debug("signal failed")
			}
		}
	}
	r.fireShutdown()
}

func (r *Router) broadcast(sig syscall.Signal, label string) {
	r.log.WithField("signal", label).Info("broadcasting")
	for _, c := range r.children {
		if c.HasLivePID() {
			if _, err := c.Signal(sig); err != nil {
				r.log.WithField("child", c.Name()).WithError(err).Debug("signal failed")
			}
		}
	}
}

func (r *Router) fireShutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdownCh)
	})
}

func (r *Router) dumpIntrospection() {
	r.log.Info("SIGUSR1 received, dumping process info")
	for _, c := range r.children {
		s := c.Status()
		if s.PID == 0 {
			continue
		}
		entry := r.log.WithFields(logrus.Fields{"child": s.Name, "pid": s.PID})
		if snap, err := proc.Dump(s.PID); err == nil {
			entry = entry.WithField("info", snap.String())
		}
		entry.Info("introspect")
	}
}
