package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/stoneforge-ai/orchestrator/internal/idgen"
)

var (
	idgenIdentifier string
	idgenCreator    string
)

var idgenCmd = &cobra.Command{
	Use:   "idgen",
	Short: "Generate a single identifier and print it",
	Long: `One-shot debug command: runs internal/idgen.Generate for --identifier
and prints the resulting id, without consulting any Store for collisions.`,
	RunE: runIdgen,
}

func init() {
	rootCmd.AddCommand(idgenCmd)
	idgenCmd.Flags().StringVar(&idgenIdentifier, "identifier", "", "two-letter identifier prefix, e.g. \"tk\"")
	idgenCmd.Flags().StringVar(&idgenCreator, "creator", "orchestratord", "creator attribution for the generated id")
	_ = idgenCmd.MarkFlagRequired("identifier")
}

var idStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))

func runIdgen(cmd *cobra.Command, args []string) error {
	gen := idgen.New(idgen.Options{})
	id, err := gen.Generate(cmd.Context(), idgenIdentifier, idgenCreator, nil, idgen.GenerateOpts{})
	if err != nil {
		return err
	}
	fmt.Println(idStyle.Render(id))
	return nil
}
