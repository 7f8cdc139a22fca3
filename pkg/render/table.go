package render

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var tableHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var tableCell = lipgloss.NewStyle().Padding(0, 1)

// Table lays out rows under headers. Styled renderers get a rounded border and
// bold headers; plain ones a normal unstyled border.
func (r *Renderer) Table(headers []string, rows [][]string) string {
	t := table.New().Headers(headers...).Rows(rows...)
	if !r.styled {
		return t.Border(lipgloss.NormalBorder()).
			StyleFunc(func(row, col int) lipgloss.Style { return tableCell }).
			String() + "\n"
	}
	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeader
			}
			return tableCell
		}).
		String() + "\n"
}
