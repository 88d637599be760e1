package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Summarize task counts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "report", Usage: "Render recent task summaries"},
		},
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		return err
	}

	index, err := contextloader.LoadTaskIndex(root)
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, entry := range index {
		counts[entry.Status]++
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []string{"pending", "completed", "blocked", "failed"} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if cmd.Bool("report") {
		return renderSummaries(root)
	}
	return nil
}

// renderSummaries shows the stored task summaries through a terminal
// markdown renderer.
func renderSummaries(root string) error {
	dir := config.SummariesPath(root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println("\nNo summaries recorded yet.")
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".summary.md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("\nNo summaries recorded yet.")
		return nil
	}

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteString("\n")
	}

	rendered, err := glamour.Render(b.String(), "auto")
	if err != nil {
		// Fall back to raw markdown when the renderer cannot run.
		fmt.Println(b.String())
		return nil
	}
	fmt.Print(rendered)
	return nil
}
