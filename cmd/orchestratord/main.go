// Command orchestratord is the orchestrator daemon entrypoint: a thin
// github.com/spf13/cobra CLI wiring the three stewards and IdGen into a
// running process (`serve`) plus a one-shot identifier debug command
// (`idgen`). The surface is small enough to live directly under
// cmd/orchestratord rather than a separate internal/cmd package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Multi-agent software development orchestrator",
	Long: `orchestratord runs the orchestration core's stewards: TaskAssignment,
HealthSteward, and MergeSteward, plus the IdGen identifier service they
all depend on.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
