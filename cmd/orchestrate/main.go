// Command orchestrate drives the task-file orchestrator from the shell:
// run, resume, status, schedule, and unschedule.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrate: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(lastExitCode)
}
