// Command cfaitd is the background sync daemon: it drains
// internal/journal against a single CalDAV remote on an interval, and
// exposes run/once/status/stop verbs for operators and for the
// interactive CLI to trigger an immediate pass.
package main

import (
	"os"

	"cfait/cmd/cfaitd/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
