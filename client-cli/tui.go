package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 500

type lineMsg struct {
	line string
}

type closedMsg struct{}

type execDoneMsg struct {
	quit bool
	err  error
}

// lineWriter turns session output into log lines for the model. Lines are
// dropped when the model falls behind.
type lineWriter struct {
	ch chan<- string
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		select {
		case w.ch <- line:
		default:
		}
	}
	return len(p), nil
}

type model struct {
	input textinput.Model

	ctx    context.Context
	s      *session
	lines  <-chan string
	closed <-chan struct{}

	entries []string
	width   int
	height  int
	busy    bool
}

func newModel(ctx context.Context, s *session, lines <-chan string, closed <-chan struct{}) model {
	in := textinput.New()
	in.Placeholder = commandHelp
	in.Prompt = "> "
	in.CharLimit = 1024
	in.Focus()
	return model{input: in, ctx: ctx, s: s, lines: lines, closed: closed}
}

func waitLine(lines <-chan string, closed <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-lines:
			return lineMsg{line: line}
		case <-closed:
			return closedMsg{}
		}
	}
}

func execCmd(ctx context.Context, s *session, line string) tea.Cmd {
	return func() tea.Msg {
		quit, err := s.exec(ctx, line)
		return execDoneMsg{quit: quit, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitLine(m.lines, m.closed), textinput.Blink)
}

func (m *model) addEntry(line string) {
	m.entries = append(m.entries, time.Now().Format("15:04:05")+" "+line)
	if len(m.entries) > maxEntries {
		m.entries = m.entries[len(m.entries)-maxEntries:]
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-4)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if m.busy {
				m.addEntry("still working on the last command")
				return m, nil
			}
			m.busy = true
			return m, execCmd(m.ctx, m.s, line)
		}
	case lineMsg:
		m.addEntry(msg.line)
		return m, waitLine(m.lines, m.closed)
	case closedMsg:
		m.addEntry("connection closed, ctrl+c to exit")
		return m, nil
	case execDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.addEntry("error: " + msg.err.Error())
		}
		if msg.quit {
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("247"))
	boxStyle := lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)

	self, peers, pending := m.s.snapshot()
	header := headerStyle.Render("nearbydrop") + "  " +
		statusStyle.Render(fmt.Sprintf("you=%s peers=%d offers=%d", self.Username, len(peers), pending))

	if m.width < 30 || m.height < 10 {
		last := "Resize terminal for full view"
		if len(m.entries) > 0 {
			last = m.entries[len(m.entries)-1]
		}
		return header + "\n" + last + "\n" + m.input.View()
	}

	peerLines := make([]string, 0, len(peers))
	for _, p := range peers {
		peerLines = append(peerLines, p.Username)
	}
	peerBody := strings.Join(peerLines, "\n")
	if peerBody == "" {
		peerBody = "nobody nearby"
	}
	peerWidth := min(28, m.width/3)
	logWidth := max(20, m.width-peerWidth-4)
	bodyHeight := max(3, m.height-5)

	start := 0
	if len(m.entries) > bodyHeight {
		start = len(m.entries) - bodyHeight
	}
	logBody := strings.Join(m.entries[start:], "\n")

	peerPanel := boxStyle.Width(peerWidth).Height(bodyHeight).Render("Nearby\n" + peerBody)
	logPanel := boxStyle.Width(logWidth).Height(bodyHeight).Render(logBody)
	return header + "\n" + lipgloss.JoinHorizontal(lipgloss.Top, peerPanel, logPanel) + "\n" + m.input.View()
}
