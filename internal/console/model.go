// Package console is the interactive operator view of pending
// confirmations. It only reads the pending list and sends approve or deny
// signals through the operator channel; it holds no authority of its own.
package console

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	operatorv1 "github.com/ppiankov/kalpana/api/operator/v1"
)

// Operator is the subset of the operator client the console needs.
type Operator interface {
	ListPending() ([]operatorv1.PendingConfirmation, error)
	Approve(correlationID, label string) (*operatorv1.ConfirmResponse, error)
	Deny(correlationID, label string) (*operatorv1.ConfirmResponse, error)
}

const defaultPollInterval = time.Second

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	approvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	deniedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

type pendingMsg struct {
	pending []operatorv1.PendingConfirmation
	err     error
}

type resolvedMsg struct {
	resp *operatorv1.ConfirmResponse
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model for the console.
type Model struct {
	op       Operator
	label    string
	interval time.Duration

	pending []operatorv1.PendingConfirmation
	cursor  int
	status  string
	err     error
	busy    bool
	width   int
}

// New returns a console model. label is sent as the approver when the core
// cannot identify the operator from the socket peer.
func New(op Operator, label string, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return Model{op: op, label: label, interval: interval}
}

// Run starts the console on the terminal and blocks until the user quits.
func Run(op Operator, label string, interval time.Duration) error {
	_, err := tea.NewProgram(New(op, label, interval), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	op := m.op
	return func() tea.Msg {
		pending, err := op.ListPending()
		return pendingMsg{pending: pending, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) resolve(id string, approved bool) tea.Cmd {
	op, label := m.op, m.label
	return func() tea.Msg {
		var resp *operatorv1.ConfirmResponse
		var err error
		if approved {
			resp, err = op.Approve(id, label)
		} else {
			resp, err = op.Deny(id, label)
		}
		return resolvedMsg{resp: resp, err: err}
	}
}

// Selected returns the confirmation under the cursor.
func (m Model) Selected() (operatorv1.PendingConfirmation, bool) {
	if m.cursor < 0 || m.cursor >= len(m.pending) {
		return operatorv1.PendingConfirmation{}, false
	}
	return m.pending[m.cursor], true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case pendingMsg:
		m.err = msg.err
		if msg.err == nil {
			m.setPending(msg.pending)
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()

	case resolvedMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.status = ""
		} else {
			m.err = nil
			m.status = fmt.Sprintf("%s %s (%s)", msg.resp.CorrelationID, msg.resp.Status, msg.resp.Action)
		}
		return m, m.fetch()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.pending)-1 {
			m.cursor++
		}
	case "r":
		return m, m.fetch()
	case "a", "d":
		p, ok := m.Selected()
		if !ok || m.busy {
			return m, nil
		}
		m.busy = true
		return m, m.resolve(p.CorrelationID, msg.String() == "a")
	}
	return m, nil
}

// setPending replaces the list and keeps the cursor on the same
// confirmation when it is still pending.
func (m *Model) setPending(pending []operatorv1.PendingConfirmation) {
	current, had := m.Selected()
	m.pending = pending
	if had {
		for i, p := range pending {
			if p.CorrelationID == current.CorrelationID {
				m.cursor = i
				return
			}
		}
	}
	if m.cursor >= len(pending) {
		m.cursor = len(pending) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("kalpana-core pending confirmations (%d)", len(m.pending))))
	b.WriteString("\n\n")

	if len(m.pending) == 0 {
		b.WriteString(dimStyle.Render("  nothing waiting for approval"))
		b.WriteString("\n")
	}
	for i, p := range m.pending {
		line := fmt.Sprintf("%-36s  %-10s  %-16s  %s", p.CorrelationID, p.Principal, p.Action, describe(p))
		if m.width > 0 && lipgloss.Width(line) > m.width-2 {
			line = line[:max(m.width-2, 0)]
		}
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	if p, ok := m.Selected(); ok {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("  rule %s: %s", p.RuleID, p.Reason)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("  session %s seq %d, expires %s", p.SessionID, p.RequestSeq, p.ExpiresAt)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("  error: " + m.err.Error()))
	case strings.Contains(m.status, " approved "):
		b.WriteString(approvedStyle.Render("  " + m.status))
	case m.status != "":
		b.WriteString(deniedStyle.Render("  " + m.status))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  a approve  d deny  r refresh  q quit"))
	b.WriteString("\n")
	return b.String()
}

func describe(p operatorv1.PendingConfirmation) string {
	if p.Summary != "" {
		return p.Summary
	}
	return p.Reason
}
