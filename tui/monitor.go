package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/batch"
	"github.com/fleetflash/fleetflash/database"
)

// Reporter summarizes a batch's progress. This allows for mocking in tests.
type Reporter interface {
	Report(ctx context.Context, batchID string) (*batch.Report, error)
}

// OperationLister lists the upgrade operations belonging to a batch. This
// allows for mocking in tests.
type OperationLister interface {
	ListBatchOperations(ctx context.Context, batchID string) ([]*database.UpgradeOperation, error)
}

// pollIntervalDefault is how often the monitor refreshes batch state.
const pollIntervalDefault = 2 * time.Second

// pollTick triggers the next refresh.
type pollTick struct{}

// batchStateMsg carries one refresh of the watched batch.
type batchStateMsg struct {
	report *batch.Report
	ops    []*database.UpgradeOperation
	err    error
}

// MonitorModel is a live view of one batch upgrade: a progress bar over
// completed operations, outcome rates and a per-operation table, refreshed
// until the batch reaches a terminal status.
type MonitorModel struct {
	batchID  string
	reporter Reporter
	lister   OperationLister

	report *batch.Report
	ops    []*database.UpgradeOperation
	err    error

	bar          progress.Model
	spin         spinner.Model
	styles       *Styles
	startTime    time.Time
	pollInterval time.Duration
	width        int
	done         bool
}

// NewMonitor creates a monitor for the given batch.
func NewMonitor(reporter Reporter, lister OperationLister, batchID string) *MonitorModel {
	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	return &MonitorModel{
		batchID:      batchID,
		reporter:     reporter,
		lister:       lister,
		bar:          bar,
		spin:         spin,
		styles:       DefaultStyles(),
		startTime:    time.Now(),
		pollInterval: pollIntervalDefault,
		width:        80,
	}
}

// Init initializes the model
func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.poll)
}

// poll fetches the batch report and its operations.
func (m *MonitorModel) poll() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := m.reporter.Report(ctx, m.batchID)
	if err != nil {
		return batchStateMsg{err: err}
	}
	ops, err := m.lister.ListBatchOperations(ctx, m.batchID)
	if err != nil {
		return batchStateMsg{err: err}
	}
	return batchStateMsg{report: report, ops: ops}
}

func (m *MonitorModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.pollInterval, func(time.Time) tea.Msg {
		return pollTick{}
	})
}

// Update handles messages
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 20; w > 0 {
			m.bar.Width = w
		}

	case pollTick:
		return m, m.poll

	case batchStateMsg:
		m.err = msg.err
		if msg.err == nil {
			m.report = msg.report
			m.ops = msg.ops
			if m.report.Batch.Status != fleetflash.BatchInProgress && m.report.Stats.InProgress == 0 {
				m.done = true
				return m, tea.Quit
			}
		}
		return m, m.scheduleTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the model
func (m *MonitorModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("FleetFlash Batch Monitor") + "\n\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.Muted.Render("Batch:"), m.batchID))

	if m.err != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("\n  %s %v\n", SymbolError, m.err)))
		b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to quit")))
		return b.String()
	}

	if m.report == nil {
		b.WriteString(fmt.Sprintf("\n  %s Loading batch state...\n", m.spin.View()))
		return b.String()
	}

	stats := m.report.Stats
	b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.Muted.Render("Build:"), m.report.Batch.BuildID))

	statusLine := fmt.Sprintf("%s %s", m.styles.StatusIcon(string(m.report.Batch.Status)), m.report.Batch.Status)
	if stats.InProgress > 0 {
		statusLine += fmt.Sprintf("  %s %d operations running", m.spin.View(), stats.InProgress)
	}
	b.WriteString(fmt.Sprintf("  %s %s\n\n", m.styles.Muted.Render("Status:"), statusLine))

	var completion float64
	if stats.Total > 0 {
		completion = float64(stats.Completed()) / float64(stats.Total)
	}
	b.WriteString("  " + m.bar.ViewAs(completion) + "\n")
	b.WriteString(fmt.Sprintf("  %s completed\n\n", m.report.Progress()))

	b.WriteString(fmt.Sprintf("  %s %.2f%%   %s %.2f%%   %s %.2f%%\n\n",
		m.styles.Success.Render("Success:"), m.report.SuccessRate(),
		m.styles.Error.Render("Failed:"), m.report.FailedRate(),
		m.styles.Warning.Render("Aborted:"), m.report.AbortedRate()))

	b.WriteString(indent(RenderOperationsTable(m.ops), "  "))

	elapsed := time.Since(m.startTime)
	b.WriteString(fmt.Sprintf("\n  %s %s\n", m.styles.Muted.Render("Watching for:"), FormatDuration(elapsed)))

	if m.done {
		switch m.report.Batch.Status {
		case fleetflash.BatchSuccess:
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("\n  %s Batch completed successfully\n", SymbolSuccess)))
		default:
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("\n  %s Batch finished with failures\n", SymbolError)))
		}
	}

	b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to quit")))

	return b.String()
}

// Err reports the last poll error, if any, so callers can surface it after
// the program exits.
func (m *MonitorModel) Err() error { return m.err }

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
