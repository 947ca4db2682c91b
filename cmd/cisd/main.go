// Command cisd is the thin CLI/daemon shell around the core: flag parsing,
// config/path loading, and process lifecycle are explicitly out of the
// core's scope per spec.md §1, but the module ships this entrypoint so the
// engine (internal/scheduler and its collaborators) is exercised
// end-to-end, the way services/orchestrator/main.go ships a runnable
// server around its own DAG engine.
//
// Subcommands (spec.md §6):
//
//	cisd dag run <file>          start a run and stream its events
//	cisd dag status <run_id>     print a run's current status
//	cisd dag cancel <run_id>     request a run stop
//	cisd serve                   run the HTTP daemon status/cancel talk to
//
// Exit codes: 0 success, 2 validation error, 3 run aborted, 4 conflict
// unresolved.
package main

import (
	"fmt"
	"os"
)

const usage = `usage:
  cisd dag run <file>
  cisd dag status <run_id>
  cisd dag cancel <run_id>
  cisd serve
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "dag":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		switch args[1] {
		case "run":
			return cmdDagRun(args[2:])
		case "status":
			return cmdDagStatus(args[2:])
		case "cancel":
			return cmdDagCancel(args[2:])
		}
	}

	fmt.Fprint(os.Stderr, usage)
	return 2
}
