package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"github.com/spf13/cobra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List meditation presets and split modes",
	RunE:  runPresets,
}

func init() {
	rootCmd.AddCommand(presetsCmd)
}

func runPresets(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRESET\tSPEED\tTOP_K\tTOP_P\tTEMP\tPAUSE\tDESCRIPTION")
	for _, p := range preset.All() {
		marker := ""
		if p.Name == preset.Default {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%.2f\t%d\t%.2f\t%.2f\t%.2fs\t%s\n",
			p.Name, marker,
			p.Parameters.Speed, p.Parameters.TopK, p.Parameters.TopP,
			p.Parameters.Temperature, p.Parameters.PauseSeconds,
			p.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout())
	w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPLIT MODE\tENGINE LABEL")
	for _, m := range tts.SplitModes() {
		fmt.Fprintf(w, "%s\t%s\n", m, m.EngineLabel())
	}
	return w.Flush()
}
