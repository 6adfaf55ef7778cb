// Command resilixctl checks resilix policy files.
//
//	resilixctl analyze -c policies.yaml [-g graph.yaml] [--fail-on warning]
//	resilixctl chaos   -c policies.yaml -t payments [-d 5s] [--failure-rate 0.3]
//
// Exit codes: 0 ok, 1 analysis issues, 2 chaos assertions failed,
// 3 configuration error.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitOK          = 0
	exitIssues      = 1
	exitChaosFailed = 2
	exitConfig      = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitConfig
	}

	switch args[0] {
	case "analyze":
		return analyze(args[1:], stdout, stderr)
	case "chaos":
		return chaos(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "resilixctl: unknown command %q\n", args[0])
		usage(stderr)

		return exitConfig
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: resilixctl analyze|chaos -c <policy file> [flags]")
}
