// Package control implements the control server: a line-oriented TCP or
// UNIX-domain protocol that inspects and mutates child state. One
// goroutine per connection reads commands and feeds them through the same
// Child methods the signal router uses; connections carry an idle timeout
// and a hard per-line byte cap.
package control

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kornellio/gosv/internal/child"
	"github.com/kornellio/gosv/internal/proc"
)

const (
	idleTimeout  = 30 * time.Second
	maxLineBytes = 64
)

// Server accepts control connections and dispatches commands against a
// fixed set of children.
type Server struct {
	log      *logrus.Entry
	children map[string]*child.Child
	order    []string // preserves configuration order for `status`

	listener net.Listener
	network  string
	address  string
}

// NewServer constructs a Server. children is keyed by name; order lists
// names in configuration order so `status` lists every child exactly once
// in a stable sequence.
func NewServer(children map[string]*child.Child, order []string, log *logrus.Entry) *Server {
	return &Server{children: children, order: order, log: log}
}

// ParseEndpoint splits a `global.listen` string into a network and
// address: a leading "unix/" denotes a UNIX-domain socket whose "port" is
// a filesystem path; anything else is a `host:port` TCP endpoint.
func ParseEndpoint(listen string) (network, address string, err error) {
	if rest, ok := strings.CutPrefix(listen, "unix/"); ok {
		if rest == "" {
			return "", "", fmt.Errorf("control: empty unix-domain path")
		}
		return "unix", rest, nil
	}
	if listen == "" {
		return "", "", fmt.Errorf("control: empty listen address")
	}
	return "tcp", listen, nil
}

// Listen binds the control endpoint. For UNIX-domain sockets, it refuses
// to start if the path already exists rather than silently stealing
// another instance's socket.
func (s *Server) Listen(listen string) error {
	network, address, err := ParseEndpoint(listen)
	if err != nil {
		return err
	}

	if network == "unix" {
		if _, statErr := os.Stat(address); statErr == nil {
			return fmt.Errorf("control: unix socket %s already in use", address)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("control: listen %s %s: %w", network, address, err)
	}
	s.listener = ln
	s.network = network
	s.address = address
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener down and, for a UNIX-domain socket, unlinks
// the path. Close only runs on graceful shutdown, so a crashed supervisor
// leaves the stale socket behind for Listen to refuse.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if s.network == "unix" {
		_ = os.Remove(s.address)
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	for {
		conn.SetDeadline(time.Now().Add(idleTimeout))

		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}
		if isPrefix {
			// Oversized input closes the connection with an error. The
			// write side is shut first and the unread remainder drained
			// (bounded by a short deadline), so the close is a clean FIN
			// rather than a reset that discards the error line.
			s.writeResponse(conn, "error line too long")
			if hc, ok := conn.(interface{ CloseWrite() error }); ok {
				hc.CloseWrite()
			}
			conn.SetReadDeadline(time.Now().Add(time.Second))
			for {
				if _, err := reader.ReadByte(); err != nil {
					break
				}
			}
			return
		}

		cmd := strings.TrimSpace(string(line))
		if cmd == "" {
			continue
		}
		if cmd == "quit" || cmd == "." {
			return
		}

		if cmd == "status" {
			if err := s.writeStatus(conn); err != nil {
				return
			}
			continue
		}

		resp := s.dispatch(cmd)
		if err := s.writeResponse(conn, resp); err != nil {
			return
		}
	}
}

// writeResponse writes the protocol's framing blank line, then the
// response line, bounded to the 64-byte write cap. Clients parse around
// the blank line, so it stays part of the contract.
func (s *Server) writeResponse(conn net.Conn, line string) error {
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
	}
	conn.SetDeadline(time.Now().Add(idleTimeout))
	_, err := fmt.Fprintf(conn, "\n%s\n", line)
	return err
}

func (s *Server) dispatch(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "unknown"
	}

	if len(fields) != 2 {
		return cmd + " unknown"
	}
	op, name := fields[0], fields[1]

	c, ok := s.children[name]
	if !ok {
		return fmt.Sprintf("%s unknown", cmd)
	}

	var ok2 bool
	var err error
	switch op {
	case "start":
		ok2, err = c.Start()
	case "stop":
		ok2, err = c.Stop()
	case "reload":
		ok2, err = c.Reload()
	case "restart":
		ok2, err = c.Restart()
	case "info":
		return s.infoLine(c)
	default:
		return cmd + " unknown"
	}

	if err != nil {
		s.log.WithField("cmd", cmd).WithError(err).Debug("command failed")
	}
	if !ok2 {
		return fmt.Sprintf("%s fail", cmd)
	}
	return fmt.Sprintf("%s 1", cmd)
}

func (s *Server) infoLine(c *child.Child) string {
	snap := c.Status()
	if snap.PID == 0 {
		return "info down"
	}
	info, err := proc.Dump(snap.PID)
	if err != nil {
		return "info unavailable"
	}
	return "info " + info.String()
}

// statusLines renders the `status` response: one line per configured
// child, in configuration order.
func (s *Server) statusLines() []string {
	lines := make([]string, 0, len(s.order))
	for _, name := range s.order {
		c := s.children[name]
		snap := c.Status()
		switch {
		case snap.State == child.Broken:
			lines = append(lines, fmt.Sprintf("%s fail %d", name, snap.StartCount))
		case snap.PID != 0:
			lines = append(lines, fmt.Sprintf("%s up %d %d", name, int(snap.Uptime.Seconds()), snap.PID))
		default:
			lines = append(lines, fmt.Sprintf("%s down", name))
		}
	}
	return lines
}

// writeStatus handles `status` specially because its response is
// multi-line (one line per configured child) rather than the single line
// every other command produces.
func (s *Server) writeStatus(conn net.Conn) error {
	for _, line := range s.statusLines() {
		if err := s.writeResponse(conn, line); err != nil {
			return err
		}
	}
	return nil
}
