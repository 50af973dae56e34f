package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/stoneforge-ai/orchestrator/internal/assignment"
	"github.com/stoneforge-ai/orchestrator/internal/config"
	"github.com/stoneforge-ai/orchestrator/internal/dispatch"
	"github.com/stoneforge-ai/orchestrator/internal/eventbus"
	"github.com/stoneforge-ai/orchestrator/internal/health"
	"github.com/stoneforge-ai/orchestrator/internal/idgen"
	"github.com/stoneforge-ai/orchestrator/internal/merge"
	"github.com/stoneforge-ai/orchestrator/internal/registry"
	"github.com/stoneforge-ai/orchestrator/internal/sessionmgr"
	"github.com/stoneforge-ai/orchestrator/internal/store"
	"github.com/stoneforge-ai/orchestrator/internal/store/memstore"
	"github.com/stoneforge-ai/orchestrator/internal/store/sqlitestore"
	"github.com/stoneforge-ai/orchestrator/internal/worktree"
)

var (
	serveConfigPath string
	serveRepoRoot   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Starts the HealthSteward's periodic scan loop and the MergeSteward's
batch processor against a Store backend, per orchestrator.toml.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "orchestrator.toml", "path to orchestrator.toml")
	serveCmd.Flags().StringVar(&serveRepoRoot, "repo-root", ".", "primary git checkout the merge steward operates against")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Merge.MainRepoPath == "" {
		cfg.Merge.MainRepoPath = serveRepoRoot
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	gen := idgen.New(idgen.Options{Bus: bus})
	wt := worktree.New(serveRepoRoot)
	reg := registry.New(st, nil)
	sessions := sessionmgr.NewInProcess()
	disp := dispatch.NewInProcess()
	assign := assignment.New(st)

	healthSteward := health.New(reg, sessions, assign, disp, gen, bus, cfg.Health)
	mergeSteward := merge.New(st, wt, disp, reg, gen, cfg.Merge)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println(headerStyle.Render("orchestratord"))
	fmt.Printf("  store:  %s\n", cfg.Store.Driver)
	fmt.Printf("  target: %s\n", cfg.Merge.TargetBranch)

	if err := healthSteward.Start(ctx); err != nil {
		return fmt.Errorf("start health steward: %w", err)
	}
	defer healthSteward.Stop()

	mergeInterval := time.Duration(cfg.Health.HealthCheckIntervalMs) * time.Millisecond
	ticker := time.NewTicker(mergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println(okStyle.Render("shutting down"))
			return nil
		case <-ticker.C:
			batch, err := mergeSteward.ProcessAwaitingMerge(ctx)
			if err != nil {
				fmt.Println(warnStyle.Render(fmt.Sprintf("merge sweep failed: %v", err)))
				continue
			}
			if batch.TotalProcessed > 0 {
				fmt.Printf("merge sweep: %d processed, %d merged, %d errors\n", batch.TotalProcessed, batch.MergedCount, batch.ErrorCount)
			}
		}
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlitestore.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
