package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/exam2quiz/pipeline/admission"
	"github.com/exam2quiz/pipeline/store"
)

// DefaultRefreshInterval is how often the monitor re-polls the admission
// controller's List operation while running.
const DefaultRefreshInterval = 2 * time.Second

var monitorKeys = struct {
	Quit key.Binding
}{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c", "esc")),
}

type tickMsg time.Time

type runsMsg struct {
	runs []*admission.RunSummary
	err  error
}

// MonitorModel is the Bubble Tea model backing `pipelinectl monitor`: a
// read-only, continuously refreshing table of runs for one tenant (or every
// tenant, if TenantID is empty).
type MonitorModel struct {
	ctx      context.Context
	ctrl     *admission.Controller
	tenantID string
	interval time.Duration

	table    table.Model
	lastErr  error
	quitting bool
}

// NewMonitorModel returns a MonitorModel polling ctrl.List for tenantID
// (or every tenant, if empty) on interval.
func NewMonitorModel(ctx context.Context, ctrl *admission.Controller, tenantID string, interval time.Duration) MonitorModel {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	columns := []table.Column{
		{Title: "Run ID", Width: 36},
		{Title: "Tenant", Width: 12},
		{Title: "Status", Width: 12},
		{Title: "Stage", Width: 12},
		{Title: "Progress", Width: 9},
		{Title: "Items", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	return MonitorModel{ctx: ctx, ctrl: ctrl, tenantID: tenantID, interval: interval, table: t}
}

// Init implements tea.Model.
func (m MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MonitorModel) poll() tea.Cmd {
	return func() tea.Msg {
		runs, err := m.ctrl.List(m.ctx, store.RunFilter{TenantID: m.tenantID, Limit: 200})
		return runsMsg{runs: runs, err: err}
	}
}

// Update implements tea.Model.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, monitorKeys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())
	case runsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.table.SetRows(rowsFromRuns(msg.runs))
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}
	title := "Pipeline Runs"
	if m.tenantID != "" {
		title = fmt.Sprintf("Pipeline Runs — tenant %s", m.tenantID)
	}
	view := TitleStyle.Render(title) + "\n" + BoxStyle.Render(m.table.View())
	if m.lastErr != nil {
		view += "\n" + ErrorStyle.Render(fmt.Sprintf("refresh failed: %v", m.lastErr))
	}
	return view + "\n" + HelpStyle.Render("Press q to quit, refreshes every "+m.interval.String())
}

func rowsFromRuns(runs []*admission.RunSummary) []table.Row {
	rows := make([]table.Row, len(runs))
	for i, r := range runs {
		rows[i] = table.Row{
			r.ID,
			r.TenantID,
			StateStyle(string(r.Status)).Render(string(r.Status)),
			string(r.CurrentStage),
			fmt.Sprintf("%d%%", r.Progress),
			fmt.Sprintf("%d/%d", r.ProcessedItems, r.TotalItems),
		}
	}
	return rows
}

// Run starts the monitor's Bubble Tea program and blocks until the operator
// quits.
func Run(ctx context.Context, ctrl *admission.Controller, tenantID string, interval time.Duration) error {
	m := NewMonitorModel(ctx, ctrl, tenantID, interval)
	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}
