// Command gosv is the supervisor's entry point: a small
// github.com/google/subcommands CLI wrapping the engine (the `run`
// subcommand) and a thin control-protocol client (`status`, `start`,
// `stop`, `reload`, `restart`).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&controlCmd{op: "status"}, "")
	subcommands.Register(&controlCmd{op: "start"}, "")
	subcommands.Register(&controlCmd{op: "stop"}, "")
	subcommands.Register(&controlCmd{op: "reload"}, "")
	subcommands.Register(&controlCmd{op: "restart"}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
