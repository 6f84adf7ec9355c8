package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg triggers a periodic data refresh.
type tickMsg time.Time

// runsMsg carries fetched run rows. nil means the fetch failed.
type runsMsg []RunRow

// eventsMsg carries fetched audit events.
type eventsMsg []EventRow

// healthMsg carries the daemon liveness probe result.
type healthMsg DaemonHealth

// refreshInterval is how often the dashboard re-reads the state database.
const refreshInterval = 2 * time.Second

// ViewType selects which table the dashboard shows.
type ViewType int

const (
	// RunsView lists recent stage runs.
	RunsView ViewType = iota
	// EventsView lists recent audit events.
	EventsView
)

// tickCmd schedules the next refresh tick.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchRunsCmd reads recent runs from the data source.
func fetchRunsCmd(ds *DataSource) tea.Cmd {
	return func() tea.Msg {
		runs, err := ds.FetchRuns(snapshotRunLimit)
		if err != nil {
			return runsMsg(nil)
		}
		return runsMsg(runs)
	}
}

// fetchEventsCmd reads recent audit events from the data source.
func fetchEventsCmd(ds *DataSource) tea.Cmd {
	return func() tea.Msg {
		events, err := ds.FetchEvents(snapshotEventLimit)
		if err != nil {
			return eventsMsg(nil)
		}
		return eventsMsg(events)
	}
}

// fetchHealthCmd probes the daemon PID file.
func fetchHealthCmd(ds *DataSource) tea.Cmd {
	return func() tea.Msg {
		return healthMsg(ds.FetchDaemonHealth())
	}
}

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	ds *DataSource

	activeView ViewType
	health     DaemonHealth
	runs       []RunRow
	events     []EventRow

	runsTable   table.Model
	eventsTable table.Model

	theme  Theme
	styles Styles

	width  int
	height int
}

// newModel creates a dashboard model showing the runs view.
func newModel(ds *DataSource) Model {
	theme := DefaultTheme()
	return Model{
		ds:          ds,
		activeView:  RunsView,
		theme:       theme,
		styles:      NewStyles(theme),
		runsTable:   newRunsTable(),
		eventsTable: newEventsTable(),
	}
}

func newRunsTable() table.Model {
	columns := []table.Column{
		{Title: "Started", Width: 17},
		{Title: "Repo", Width: 24},
		{Title: "Ticket", Width: 7},
		{Title: "Stage", Width: 10},
		{Title: "Outcome", Width: 10},
	}
	return table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(15))
}

func newEventsTable() table.Model {
	columns := []table.Column{
		{Title: "At", Width: 20},
		{Title: "Type", Width: 18},
		{Title: "Repo", Width: 22},
		{Title: "Ticket", Width: 7},
		{Title: "Detail", Width: 40},
	}
	return table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(15))
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchRunsCmd(m.ds), fetchEventsCmd(m.ds), fetchHealthCmd(m.ds), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		tableHeight := m.height - 6
		if tableHeight < 3 {
			tableHeight = 3
		}
		m.runsTable.SetHeight(tableHeight)
		m.eventsTable.SetHeight(tableHeight)

	case runsMsg:
		m.runs = []RunRow(msg)
		m.runsTable.SetRows(runRowsToTable(m.runs))

	case eventsMsg:
		m.events = []EventRow(msg)
		m.eventsTable.SetRows(eventRowsToTable(m.events))

	case healthMsg:
		m.health = DaemonHealth(msg)

	case tickMsg:
		return m, tea.Batch(fetchRunsCmd(m.ds), fetchEventsCmd(m.ds), fetchHealthCmd(m.ds), tickCmd())
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.activeView == RunsView {
			m.activeView = EventsView
		} else {
			m.activeView = RunsView
		}
		return m, nil
	case "r":
		return m, tea.Batch(fetchRunsCmd(m.ds), fetchEventsCmd(m.ds), fetchHealthCmd(m.ds))
	}

	// Arrow keys and paging go to the active table.
	var cmd tea.Cmd
	if m.activeView == RunsView {
		m.runsTable, cmd = m.runsTable.Update(msg)
	} else {
		m.eventsTable, cmd = m.eventsTable.Update(msg)
	}
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	header := m.renderHeader()

	var body string
	if m.activeView == RunsView {
		body = m.runsTable.View()
	} else {
		body = m.eventsTable.View()
	}

	help := m.styles.Help.Render("tab: switch view  r: refresh  q: quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, body, help)
}

// renderHeader shows the daemon state and which view is active.
func (m Model) renderHeader() string {
	title := m.styles.Title.Render("loom")

	var daemon string
	switch m.health.State {
	case "running":
		daemon = m.styles.Running.Render(fmt.Sprintf("daemon running (PID %d)", m.health.PID))
	case "stale":
		daemon = m.styles.Failed.Render(fmt.Sprintf("daemon stale (PID %d dead)", m.health.PID))
	default:
		daemon = m.styles.Muted.Render("daemon stopped")
	}

	view := "runs"
	if m.activeView == EventsView {
		view = "events"
	}
	return fmt.Sprintf("%s  %s  %s", title, daemon, m.styles.Header.Render("["+view+"]"))
}

// runRowsToTable shapes run rows for the bubbles table.
func runRowsToTable(runs []RunRow) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, table.Row{
			r.Started.Local().Format("2006-01-02 15:04"),
			r.Repo,
			fmt.Sprintf("#%d", r.Ticket),
			r.Stage,
			r.Outcome,
		})
	}
	return rows
}

// eventRowsToTable shapes event rows for the bubbles table.
func eventRowsToTable(events []EventRow) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, ev := range events {
		ticket := ""
		if ev.Ticket != 0 {
			ticket = fmt.Sprintf("#%d", ev.Ticket)
		}
		rows = append(rows, table.Row{ev.At, ev.Type, ev.Repo, ticket, ev.Detail})
	}
	return rows
}
