package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fleetflash/fleetflash/database"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// SetRows sets all rows at once
func (t *Table) SetRows(rows []Row) {
	t.rows = rows
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		headerCells[i] = t.styles.TableHeader.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	for _, col := range t.columns {
		b.WriteString(strings.Repeat("─", col.Width) + " ")
	}
	b.WriteString("\n")

	for _, row := range t.rows {
		rowCells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			if len(cell) > col.Width {
				cell = cell[:col.Width-3] + "..."
			}
			rowCells[i] = t.styles.TableCell.Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(rowCells, " ") + "\n")
	}

	return b.String()
}

// RenderOperationsTable renders a list of upgrade operations in a styled
// table. Icons are rendered in their own column so cell truncation never
// cuts through an escape sequence.
func RenderOperationsTable(ops []*database.UpgradeOperation) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Upgrade Operations") + "\n\n")

	if len(ops) == 0 {
		b.WriteString(styles.Muted.Render("  No upgrade operations found\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "", Width: 2},
		{Title: "OPERATION", Width: 30},
		{Title: "DEVICE", Width: 30},
		{Title: "STATUS", Width: 12},
		{Title: "UPDATED", Width: 20},
	}

	var headerLine string
	for _, col := range columns {
		headerLine += styles.TableHeader.Width(col.Width).Render(col.Title) + " "
	}
	b.WriteString(headerLine + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, op := range ops {
		icon := styles.StatusIcon(string(op.Status))

		opID := op.ID
		if len(opID) > 28 {
			opID = opID[:28] + ".."
		}
		deviceID := op.DeviceID
		if len(deviceID) > 28 {
			deviceID = deviceID[:28] + ".."
		}

		cells := []string{
			icon,
			opID,
			deviceID,
			string(op.Status),
			op.UpdatedAt.Local().Format(time.DateTime),
		}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(lipgloss.NewStyle().Width(col.Width).Render(cell) + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d operations\n", styles.Muted.Render("Total:"), len(ops)))

	return b.String()
}
