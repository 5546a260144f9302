// Package tui renders the "ops watch" dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/docsearch/internal/operations"
)

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Reachable  bool
	Counts     map[string]int
	LiveTasks  int
	Operations []operations.Operation
	LastError  string
	FetchedAt  time.Time
}

type StatusProvider func() Snapshot

// Canceller cancels an operation by id.
type Canceller func(id string) error

const pollInterval = time.Second

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyles  = map[operations.Status]lipgloss.Style{
		operations.StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		operations.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		operations.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		operations.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		operations.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

type model struct {
	provider StatusProvider
	cancel   Canceller
	snap     Snapshot
	feed     *ActivityFeed
	cursor   int
	notice   string
}

type tickMsg time.Time

type cancelDoneMsg struct {
	id  string
	err error
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(provider StatusProvider, cancel Canceller) model {
	m := model{provider: provider, cancel: cancel, feed: NewActivityFeed()}
	m.apply(provider())
	return m
}

func (m *model) apply(snap Snapshot) {
	m.snap = snap
	if snap.Reachable {
		m.feed.Observe(snap.Operations, snap.FetchedAt)
	}
	if m.cursor >= len(snap.Operations) {
		m.cursor = max(len(snap.Operations)-1, 0)
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snap.Operations)-1 {
				m.cursor++
			}
		case "r":
			m.apply(m.provider())
		case "c":
			return m, m.cancelSelected()
		}
	case tickMsg:
		m.apply(m.provider())
		return m, tickCmd()
	case cancelDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("cancel %s: %s", msg.id, humanError(msg.err))
		} else {
			m.notice = fmt.Sprintf("cancel requested for %s", msg.id)
			m.apply(m.provider())
		}
	}
	return m, nil
}

func (m model) cancelSelected() tea.Cmd {
	if m.cancel == nil || m.cursor >= len(m.snap.Operations) {
		return nil
	}
	op := m.snap.Operations[m.cursor]
	if op.Status.Terminal() {
		return nil
	}
	cancel := m.cancel
	return func() tea.Msg {
		return cancelDoneMsg{id: op.ID, err: cancel(op.ID)}
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("docsearch operations") + "\n\n")

	if !m.snap.Reachable {
		msg := m.snap.LastError
		if msg == "" {
			msg = "daemon unreachable"
		}
		b.WriteString(errStyle.Render("Daemon: "+msg) + "\n\n")
		b.WriteString(dimStyle.Render("Press q to quit.") + "\n")
		return b.String()
	}

	b.WriteString(countsLine(m.snap.Counts))
	b.WriteString(fmt.Sprintf("  live tasks: %d\n\n", m.snap.LiveTasks))

	if len(m.snap.Operations) == 0 {
		b.WriteString(dimStyle.Render("No operations recorded.") + "\n")
	}
	for i, op := range m.snap.Operations {
		line := operationLine(op, m.snap.FetchedAt)
		if i == m.cursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if selected := m.selected(); selected != nil && selected.Error != "" {
		b.WriteString("\n" + errStyle.Render("error: "+selected.Error) + "\n")
	}
	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}
	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("↑/↓ select · c cancel · r refresh · q quit") + "\n")
	return b.String()
}

func (m model) selected() *operations.Operation {
	if m.cursor < len(m.snap.Operations) {
		return &m.snap.Operations[m.cursor]
	}
	return nil
}

func countsLine(counts map[string]int) string {
	order := []operations.Status{
		operations.StatusPending, operations.StatusRunning, operations.StatusCompleted,
		operations.StatusFailed, operations.StatusCancelled,
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		parts = append(parts, statusStyles[st].Render(fmt.Sprintf("%s %d", st, counts[string(st)])))
	}
	return strings.Join(parts, dimStyle.Render(" · "))
}

func operationLine(op operations.Operation, now time.Time) string {
	status := statusStyles[op.Status].Render(fmt.Sprintf("%-9s", op.Status))
	line := fmt.Sprintf("%-28s %s %s", op.ID, status, progressText(op))
	if op.CurrentItem != "" && op.Status == operations.StatusRunning {
		line += dimStyle.Render(" " + op.CurrentItem)
	}
	if now.IsZero() {
		now = time.Now()
	}
	line += dimStyle.Render(" " + age(now.Sub(op.CreatedAt)))
	return line
}

// progressText renders "processed/total" with a bar when total is known,
// or just the counters when it is not.
func progressText(op operations.Operation) string {
	failed := ""
	if op.FailedItems > 0 {
		failed = fmt.Sprintf(" (%d failed)", op.FailedItems)
	}
	if op.TotalItems == nil || *op.TotalItems <= 0 {
		return fmt.Sprintf("%d done%s", op.ProcessedItems, failed)
	}
	total := *op.TotalItems
	done := min(op.ProcessedItems+op.FailedItems, total)
	const width = 20
	filled := done * width / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %d/%d%s", bar, op.ProcessedItems, total, failed)
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func Run(ctx context.Context, provider StatusProvider, cancel Canceller) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(provider, cancel))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
