// Package tui renders a live board in the terminal. It follows the Elm
// architecture bubbletea uses: snapshots and move outcomes arrive as
// messages, Update folds them into the model and View draws the columns.
package tui

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"salesops/api/internal/board"
	"salesops/api/internal/controller"
	"salesops/api/internal/realtime"
	"salesops/api/internal/store"
)

// Source is the synced board view the model draws from.
type Source interface {
	Snapshot() realtime.Snapshot
	Updates() <-chan realtime.Snapshot
}

// Mover places tasks optimistically and reports how each move ended.
type Mover interface {
	View(tasks []store.Task) []store.Task
	State(taskID string) (controller.State, string)
	Move(taskID, toStageID string) (uint64, error)
	Outcomes() <-chan controller.Outcome
}

type snapshotMsg struct{ snap realtime.Snapshot }

type outcomeMsg struct{ out controller.Outcome }

// closedMsg means a feed ended; the board is no longer live.
type closedMsg struct{ feed string }

type keyMap struct {
	Up, Down, Left, Right key.Binding
	MovePrev, MoveNext    key.Binding
	Quit                  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Left, k.Right, k.MovePrev, k.MoveNext, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Left, k.Right}, {k.MovePrev, k.MoveNext, k.Quit}}
}

var keys = keyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Left:     key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "prev column")),
	Right:    key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next column")),
	MovePrev: key.NewBinding(key.WithKeys("[", "H"), key.WithHelp("[", "move to prev stage")),
	MoveNext: key.NewBinding(key.WithKeys("]", "L"), key.WithHelp("]", "move to next stage")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	staleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F5A623"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5534B"))
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	focusColumnStyle = columnStyle.BorderForeground(lipgloss.Color("#5B8DEF"))
	selectedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	movingStyle      = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#AAAAAA"))
)

// Model is the bubbletea model for one board.
type Model struct {
	boardID string
	source  Source
	mover   Mover
	help    help.Model

	snap    realtime.Snapshot
	stages  []store.Stage
	columns map[string][]store.Task

	col      int
	row      int
	selected string
	status   string
	err      error
	live     bool
	width    int
}

func New(boardID string, source Source, mover Mover) *Model {
	m := &Model{
		boardID: boardID,
		source:  source,
		mover:   mover,
		help:    help.New(),
		live:    true,
	}
	m.apply(source.Snapshot())
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitSnapshot(), m.waitOutcome())
}

func (m *Model) waitSnapshot() tea.Cmd {
	updates := m.source.Updates()
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return closedMsg{feed: "board"}
		}
		return snapshotMsg{snap: snap}
	}
}

func (m *Model) waitOutcome() tea.Cmd {
	outcomes := m.mover.Outcomes()
	return func() tea.Msg {
		out, ok := <-outcomes
		if !ok {
			return closedMsg{feed: "moves"}
		}
		return outcomeMsg{out: out}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case snapshotMsg:
		m.apply(msg.snap)
		return m, m.waitSnapshot()

	case outcomeMsg:
		m.handleOutcome(msg.out)
		// The placement may have changed even without a new snapshot.
		m.apply(m.snap)
		return m, m.waitOutcome()

	case closedMsg:
		m.live = false
		m.status = fmt.Sprintf("%s feed closed", msg.feed)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			m.moveCursor(0, -1)
		case key.Matches(msg, keys.Down):
			m.moveCursor(0, 1)
		case key.Matches(msg, keys.Left):
			m.moveCursor(-1, 0)
		case key.Matches(msg, keys.Right):
			m.moveCursor(1, 0)
		case key.Matches(msg, keys.MovePrev):
			m.moveSelected(-1)
		case key.Matches(msg, keys.MoveNext):
			m.moveSelected(1)
		}
	}
	return m, nil
}

// apply rebuilds the columns from snap with local placements on top and
// keeps the cursor on the selected task wherever it now sits.
func (m *Model) apply(snap realtime.Snapshot) {
	m.snap = snap
	m.stages = append([]store.Stage(nil), snap.Stages...)
	sort.SliceStable(m.stages, func(i, j int) bool { return m.stages[i].OrderIndex < m.stages[j].OrderIndex })

	m.columns = make(map[string][]store.Task, len(m.stages))
	for _, task := range m.mover.View(snap.Tasks) {
		m.columns[task.StageID] = append(m.columns[task.StageID], task)
	}
	for _, tasks := range m.columns {
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	}

	if m.selected != "" {
		for c, stage := range m.stages {
			for r, task := range m.columns[stage.ID] {
				if task.ID == m.selected {
					m.col, m.row = c, r
					return
				}
			}
		}
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if len(m.stages) == 0 {
		m.col, m.row, m.selected = 0, 0, ""
		return
	}
	m.col = max(0, min(m.col, len(m.stages)-1))
	tasks := m.columns[m.stages[m.col].ID]
	if len(tasks) == 0 {
		m.row, m.selected = 0, ""
		return
	}
	m.row = max(0, min(m.row, len(tasks)-1))
	m.selected = tasks[m.row].ID
}

func (m *Model) moveCursor(dc, dr int) {
	m.col += dc
	m.row += dr
	if dc != 0 {
		m.row = 0
	}
	m.clampCursor()
}

func (m *Model) moveSelected(delta int) {
	if m.selected == "" {
		return
	}
	target := m.col + delta
	if target < 0 || target >= len(m.stages) {
		return
	}
	stage := m.stages[target]
	if _, err := m.mover.Move(m.selected, stage.ID); err != nil {
		m.err = err
		m.status = ""
		return
	}
	m.err = nil
	m.status = fmt.Sprintf("moving to %s…", stage.Title)
	m.apply(m.snap)
}

func (m *Model) handleOutcome(out controller.Outcome) {
	if out.Superseded {
		return
	}
	switch out.State {
	case controller.StateCommitted:
		m.err = nil
		m.status = fmt.Sprintf("moved to %s", m.stageTitle(out.StageID))
	case controller.StateRolledBack:
		m.status = ""
		m.err = fmt.Errorf("move rolled back: %s", describe(out.Err))
	}
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	var boardErr *board.Error
	if errors.As(err, &boardErr) {
		return fmt.Sprintf("%s (%s)", boardErr.Message, boardErr.Kind)
	}
	return err.Error()
}

func (m *Model) stageTitle(id string) string {
	for _, stage := range m.stages {
		if stage.ID == id {
			return stage.Title
		}
	}
	return id
}

func (m *Model) View() string {
	header := titleStyle.Render("⬡ " + m.boardID)
	switch {
	case !m.live:
		header += " " + staleStyle.Render("● offline")
	case m.snap.Stale:
		header += " " + staleStyle.Render("● reconnecting")
	}

	var body string
	if len(m.stages) == 0 {
		body = mutedStyle.Render("No stages yet.")
	} else {
		width := 28
		if m.width > 0 {
			width = max(18, m.width/len(m.stages)-4)
		}
		rendered := make([]string, 0, len(m.stages))
		for c, stage := range m.stages {
			rendered = append(rendered, m.renderColumn(c, stage, width))
		}
		body = lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	}

	footer := mutedStyle.Render(m.status)
	if m.err != nil {
		footer = errorStyle.Render(m.err.Error())
	}
	return strings.Join([]string{header, body, footer, m.help.View(keys)}, "\n")
}

func (m *Model) renderColumn(c int, stage store.Stage, width int) string {
	tasks := m.columns[stage.ID]
	lines := []string{titleStyle.Render(fmt.Sprintf("%s (%d)", stage.Title, len(tasks)))}
	if len(tasks) == 0 {
		lines = append(lines, mutedStyle.Render("empty"))
	}
	for _, task := range tasks {
		line := task.Title
		if state, _ := m.mover.State(task.ID); state == controller.StateMoving {
			line = movingStyle.Render(line + " ⟳")
		}
		if task.ID == m.selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	style := columnStyle
	if c == m.col {
		style = focusColumnStyle
	}
	return style.Width(width).Render(strings.Join(lines, "\n"))
}
