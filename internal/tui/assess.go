// Package tui renders the assessment wizard in a terminal with bubbletea.
package tui

import (
	"fmt"
	"strings"

	"github.com/ashureev/aether-labs/internal/assessment"
	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2dd4bf"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
	cursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2dd4bf"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e6edf3")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
)

var detailFields = []string{"Name", "Email", "Phone", "Company"}

// snapshotMsg carries a flow snapshot into the update loop. ok is false once
// the subscription is closed.
type snapshotMsg struct {
	snap assessment.Snapshot
	ok   bool
}

// Model is the bubbletea model for the assessment wizard.
type Model struct {
	flow      *assessment.Flow
	cat       *catalog.Catalog
	snapshots <-chan assessment.Snapshot
	cancel    func()

	snap   assessment.Snapshot
	cursor int
	inputs []textinput.Model
	focus  int
	width  int

	exited bool
}

// NewModel creates a wizard model over flow.
func NewModel(flow *assessment.Flow, cat *catalog.Catalog) *Model {
	inputs := make([]textinput.Model, len(detailFields))
	for i, name := range detailFields {
		ti := textinput.New()
		ti.Placeholder = name
		ti.CharLimit = 120
		ti.Width = 40
		inputs[i] = ti
	}
	inputs[0].Focus()

	snapshots, cancel := flow.Subscribe()
	return &Model{
		flow:      flow,
		cat:       cat,
		snapshots: snapshots,
		cancel:    cancel,
		snap:      flow.Snapshot(),
		inputs:    inputs,
		width:     80,
	}
}

// Exited reports whether the wizard handed control back, either from the
// completion screen or by backing out of the first question.
func (m *Model) Exited() bool {
	return m.exited
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.snapshots), textinput.Blink)
}

func waitForSnapshot(ch <-chan assessment.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		return snapshotMsg{snap: snap, ok: ok}
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		// The message may predate key presses already applied; the flow
		// holds the current state.
		m.refresh()
		return m, waitForSnapshot(m.snapshots)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, m.quit()
		}
		m.refresh()
		switch m.snap.Phase {
		case domain.PhaseQuestions:
			return m, m.updateQuestion(msg)
		case domain.PhaseDetails:
			return m, m.updateDetails(msg)
		case domain.PhaseSuccess:
			if msg.Type == tea.KeyEnter && m.flow.Exit() {
				m.exited = true
				return m, m.quit()
			}
		}
	}
	return m, nil
}

func (m *Model) updateQuestion(msg tea.KeyMsg) tea.Cmd {
	q := m.cat.Questions[m.snap.QuestionIndex]
	switch msg.String() {
	case "q":
		return m.quit()
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(q.Options)-1 {
			m.cursor++
		}
	case " ":
		m.flow.SelectAnswer(q.ID, q.Options[m.cursor].Value)
	case "enter", "right", "l":
		if m.snap.Answers[q.ID] == "" {
			m.flow.SelectAnswer(q.ID, q.Options[m.cursor].Value)
		}
		if m.flow.Advance() {
			m.cursor = 0
		}
	case "esc", "left", "h", "backspace":
		if m.flow.Retreat() {
			m.exited = true
			return m.quit()
		}
		m.cursor = 0
	default:
		if n := digit(msg.String()); n >= 1 && n <= len(q.Options) {
			m.cursor = n - 1
			m.flow.SelectAnswer(q.ID, q.Options[m.cursor].Value)
		}
	}
	m.refresh()
	return nil
}

func (m *Model) updateDetails(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.flow.Retreat()
		m.refresh()
		return nil
	case tea.KeyTab, tea.KeyDown:
		m.setFocus((m.focus + 1) % len(m.inputs))
		return nil
	case tea.KeyShiftTab, tea.KeyUp:
		m.setFocus((m.focus + len(m.inputs) - 1) % len(m.inputs))
		return nil
	case tea.KeyEnter:
		m.flow.SubmitDetails()
		m.refresh()
		return nil
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	m.flow.SetDetails(domain.ContactDetails{
		Name:    m.inputs[0].Value(),
		Email:   m.inputs[1].Value(),
		Phone:   m.inputs[2].Value(),
		Company: m.inputs[3].Value(),
	})
	m.refresh()
	return cmd
}

func (m *Model) setFocus(i int) {
	m.inputs[m.focus].Blur()
	m.focus = i
	m.inputs[m.focus].Focus()
}

// refresh pulls the latest state so the next frame reflects a key press even
// before its snapshot arrives.
func (m *Model) refresh() {
	m.snap = m.flow.Snapshot()
}

func (m *Model) quit() tea.Cmd {
	m.cancel()
	return tea.Quit
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Aether Labs · Workshop assessment"))
	b.WriteString("  ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%3.0f%%", m.snap.Progress)))
	b.WriteString("\n\n")

	switch m.snap.Phase {
	case domain.PhaseQuestions:
		b.WriteString(m.viewQuestion())
	case domain.PhaseDetails:
		b.WriteString(m.viewDetails())
	case domain.PhaseProcessing:
		b.WriteString(m.viewProcessing())
	case domain.PhaseSuccess:
		b.WriteString(m.viewSuccess())
	}
	return panelStyle.Width(min(m.width-2, 78)).Render(b.String()) + "\n"
}

func (m *Model) viewQuestion() string {
	q := m.cat.Questions[m.snap.QuestionIndex]
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("Question %d of %d", m.snap.QuestionIndex+1, m.snap.TotalQuestions)))
	fmt.Fprintf(&b, "%s\n%s\n\n", selectedStyle.Render(q.Question), mutedStyle.Render(q.Subtitle))
	for i, opt := range q.Options {
		pointer := "  "
		if i == m.cursor {
			pointer = cursorStyle.Render("> ")
		}
		mark := "[ ]"
		label := opt.Label
		if m.snap.Answers[q.ID] == opt.Value {
			mark = "[x]"
			label = selectedStyle.Render(label)
		}
		fmt.Fprintf(&b, "%s%s %d. %s\n     %s\n", pointer, mark, i+1, label, mutedStyle.Render(opt.Description))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("↑/↓ move · space select · enter continue · esc back"))
	return b.String()
}

func (m *Model) viewDetails() string {
	var b strings.Builder
	b.WriteString(selectedStyle.Render("Where should we send your brief?"))
	b.WriteString("\n\n")
	for i, in := range m.inputs {
		label := detailFields[i]
		if i < 2 {
			label += " *"
		}
		fmt.Fprintf(&b, "%-10s %s\n", label, in.View())
	}
	b.WriteString("\n")
	switch {
	case m.snap.Submitting:
		b.WriteString(cursorStyle.Render("Submitting…"))
	case m.snap.SubmitError != "":
		b.WriteString(errorStyle.Render(m.snap.SubmitError))
	case m.snap.CanSubmit:
		b.WriteString(mutedStyle.Render("enter submit · tab next field · esc back"))
	default:
		b.WriteString(mutedStyle.Render("name and email are required · esc back"))
	}
	return b.String()
}

func (m *Model) viewProcessing() string {
	var b strings.Builder
	for i, st := range m.snap.Stages {
		stage := m.cat.Stages[i]
		line := fmt.Sprintf("%-10s %s", stage.Command, stage.Label)
		switch st.Status {
		case domain.StageActive:
			fmt.Fprintf(&b, "%s %s\n   %s\n", cursorStyle.Render("▸"), cursorStyle.Render(line), mutedStyle.Render(stage.Sublabel))
		case domain.StageCompleted:
			fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("✓"), mutedStyle.Render(line))
		default:
			fmt.Fprintf(&b, "  %s\n", mutedStyle.Render(line))
		}
	}
	return b.String()
}

func (m *Model) viewSuccess() string {
	var b strings.Builder
	b.WriteString(selectedStyle.Render("Your brief is ready."))
	b.WriteString("\n")
	if m.snap.ReceiptID != "" {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render("Reference "+m.snap.ReceiptID))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("enter to finish"))
	return b.String()
}

func digit(s string) int {
	if len(s) != 1 || s[0] < '0' || s[0] > '9' {
		return -1
	}
	return int(s[0] - '0')
}
