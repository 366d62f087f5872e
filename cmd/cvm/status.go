package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/convomirror/convomirror/internal/config"
	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/state"
	"github.com/convomirror/convomirror/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the mirror's sync state",
	RunE: func(*cobra.Command, []string) error {
		var b strings.Builder
		b.WriteString(titleStyle.Render("convomirror") + "\n\n")

		row := func(label, value string) {
			b.WriteString(labelStyle.Render(label) + value + "\n")
		}

		row("Root", config.Root())
		identityLabel := config.GetString("identity")
		if identityLabel == "" {
			row("Identity", warnStyle.Render("not initialized (run 'cvm init')"))
			fmt.Println(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
			return nil
		}
		row("Identity", identityLabel)

		if pid, running := daemonPID(); running {
			row("Daemon", okStyle.Render(fmt.Sprintf("running (pid %d)", pid)))
		} else {
			row("Daemon", warnStyle.Render("not running"))
		}
		row("Leader", leaderState())
		row("Interval", syncInterval().String())

		doc, err := loadStateForStatus(identityLabel)
		if err != nil {
			row("State", warnStyle.Render(err.Error()))
			fmt.Println(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
			return nil
		}

		row("Mirrored", fmt.Sprintf("%d conversations", len(doc.Conversations)))
		if len(doc.Scopes) > 0 {
			b.WriteString("\n" + titleStyle.Render("Scopes") + "\n")
			for _, line := range scopeLines(doc) {
				b.WriteString(line + "\n")
			}
		}

		fmt.Println(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
		return nil
	},
}

func loadStateForStatus(identityLabel string) (*state.Document, error) {
	root, err := localfs.OpenRoot(config.Root())
	if err != nil {
		return nil, err
	}
	store, err := state.NewStore(root, types.Identity{Label: identityLabel})
	if err != nil {
		return nil, err
	}
	return store.Load()
}

// scopeLines renders per-scope last-check times, most recently checked first.
func scopeLines(doc *state.Document) []string {
	type scopeRow struct {
		name    string
		checked time.Time
	}
	rows := make([]scopeRow, 0, len(doc.Scopes))
	for id, rec := range doc.Scopes {
		name := rec.Name
		if name == "" {
			name = id
		}
		rows = append(rows, scopeRow{name: name, checked: rec.LastCheckTime})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].checked.After(rows[j].checked) })

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		checked := "never"
		if !r.checked.IsZero() {
			checked = r.checked.Local().Format("2006-01-02 15:04")
		}
		lines = append(lines, labelStyle.Render(r.name)+"checked "+checked)
	}
	return lines
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
