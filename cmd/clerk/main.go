// Command clerk is the admin CLI and long-running server for the civic
// document pipeline: one-shot admission/inspection commands for operators,
// plus `serve`, which runs every worker pool, the reconciler, and the
// read-only HTTP status surface in one process.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
