package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"photomatch/internal/domain"
)

// MatchPort is the TUI-facing subset of the match service.
type MatchPort interface {
	IdentifyFromImage(ctx context.Context, img domain.Image) (domain.MatchDecision, error)
	Threshold() float64
}

type lookup struct {
	path     string
	decision domain.MatchDecision
	err      error
}

// Model is the Bubble Tea model for the identify console.
type Model struct {
	service  MatchPort
	readFile func(string) ([]byte, error)
	input    textinput.Model
	viewport viewport.Model
	history  []lookup
	summary  string
	status   string
	cursor   int
	ready    bool
}

// New creates a new TUI model instance.
func New(service MatchPort, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Path to a photo, then Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		service:  service,
		readFile: os.ReadFile,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready. Enter an image path to identify it.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2                                    // header + summary
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrent())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			p := strings.Trim(strings.TrimSpace(m.input.Value()), `"'`)
			if p != "" {
				m = m.identify(p)
				m.input.SetValue("")
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		case "down":
			if len(m.history) > 0 {
				m.cursor = (m.cursor + 1) % len(m.history)
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		case "up":
			if len(m.history) > 0 {
				m.cursor = (m.cursor - 1 + len(m.history)) % len(m.history)
				m.viewport.SetContent(m.renderCurrent())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) identify(p string) Model {
	l := lookup{path: p}
	data, err := m.readFile(p)
	if err != nil {
		l.err = err
	} else {
		l.decision, l.err = m.service.IdentifyFromImage(context.Background(), domain.Image{Name: filepath.Base(p), Data: data})
	}
	switch {
	case l.err != nil:
		m.status = "Error: " + l.err.Error()
	case l.decision.EmptyDatabase:
		m.status = "The embedding database is empty. Run the indexer first."
	case l.decision.Accepted:
		m.status = fmt.Sprintf("Matched %s", l.decision.ID)
	default:
		m.status = fmt.Sprintf("No confident match for %s", filepath.Base(p))
	}
	m.history = append([]lookup{l}, m.history...)
	m.cursor = 0
	return m
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Photo Match")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrent() string {
	if len(m.history) == 0 {
		return "No lookups yet."
	}
	l := m.history[m.cursor]
	title := fmt.Sprintf("Lookup %d/%d  %s", m.cursor+1, len(m.history), l.path)
	return title + "\n\n" + renderDecision(l, m.service.Threshold())
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	matchStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	missStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderDecision(l lookup, threshold float64) string {
	if l.err != nil {
		return errorStyle.Render("ERROR") + "\n" + l.err.Error()
	}
	d := l.decision
	if d.EmptyDatabase {
		return missStyle.Render("EMPTY DATABASE")
	}
	var b strings.Builder
	switch {
	case d.Accepted:
		b.WriteString(matchStyle.Render("MATCH"))
	case d.HasCandidate():
		b.WriteString(missStyle.Render("BELOW THRESHOLD"))
	default:
		b.WriteString(missStyle.Render("NO COMPARABLE RECORDS"))
	}
	b.WriteString("\n")
	if d.HasCandidate() {
		fmt.Fprintf(&b, "id:     %s\nimage:  %s\nscore:  %.4f (threshold %.2f)\n", d.ID, d.Image, d.Score, threshold)
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("compared %d, skipped %d", d.Compared, d.Skipped)))
	return b.String()
}
