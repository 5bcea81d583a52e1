package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// PresenceView renders a presence snapshot as a table. self, when not empty,
// marks the caller's own row.
func PresenceView(users []protocol.User, self string) string {
	if len(users) == 0 {
		return MutedStyle.Render("Nobody is online")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Identity", "Status"})
	for i, u := range users {
		name := u.DisplayName
		if u.Identity == self {
			name += " (you)"
		}
		t.AppendRow(table.Row{i + 1, name, u.Identity, status(u)})
	}
	t.SetCaption("%d online", len(users))
	return t.Render()
}

// RenderPresence writes the presence table to w.
func RenderPresence(w io.Writer, users []protocol.User, self string) {
	fmt.Fprintln(w, PresenceView(users, self))
}

func status(u protocol.User) string {
	if u.InCall {
		return IconInCall + " in call"
	}
	return "available"
}

// CallSummary describes a finished call.
type CallSummary struct {
	Peer     string
	Outcome  string
	Duration string
}

func CallSummaryView(summary CallSummary) string {
	rows := [][]string{
		{"Peer", summary.Peer},
		{"Outcome", summary.Outcome},
		{"Duration", summary.Duration},
	}

	tbl := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Call", "").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return BoldStyle.Foreground(Primary)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	return tbl.Render()
}
