package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/kornellio/gosv/internal/control"
)

// controlCmd is a thin client for the control protocol: dial, send one
// line, print the response(s), exit. One subcommand struct is registered
// per verb (status/start/stop/reload/restart); op distinguishes them.
type controlCmd struct {
	op     string
	listen string
}

func (c *controlCmd) Name() string { return c.op }

func (c *controlCmd) Synopsis() string {
	if c.op == "status" {
		return "print the status of every supervised child"
	}
	return fmt.Sprintf("%s a supervised child", c.op)
}

func (c *controlCmd) Usage() string {
	if c.op == "status" {
		return "status -listen <addr>\n  Print one line per configured child.\n"
	}
	return fmt.Sprintf("%s -listen <addr> <name>\n  Send `%s <name>` to the control socket.\n", c.op, c.op)
}

func (c *controlCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.listen, "listen", "", "control socket address (host:port or unix/<path>)")
}

func (c *controlCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.listen == "" {
		fmt.Fprintln(os.Stderr, "gosv: -listen is required")
		return subcommands.ExitUsageError
	}

	var line string
	if c.op == "status" {
		line = "status"
	} else {
		if f.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "gosv %s: exactly one child name required\n", c.op)
			return subcommands.ExitUsageError
		}
		line = c.op + " " + f.Arg(0)
	}

	network, address, err := control.ParseEndpoint(c.listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv: %v\n", err)
		return subcommands.ExitFailure
	}

	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosv: dial: %v\n", err)
		return subcommands.ExitFailure
	}
	defer conn.Close()

	// Pipeline the command with an immediate quit: commands on one
	// connection are processed FIFO, so the server answers `line` in full
	// before acting on `quit` and closing. Reading until EOF then picks
	// up every response line regardless of how many the command produces
	// (one for most ops, one per child for `status`).
	if _, err := fmt.Fprintf(conn, "%s\nquit\n", line); err != nil {
		fmt.Fprintf(os.Stderr, "gosv: write: %v\n", err)
		return subcommands.ExitFailure
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue // the protocol's leading blank line
		}
		fmt.Println(text)
	}

	return subcommands.ExitSuccess
}
