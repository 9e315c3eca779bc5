package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/ui/styles"
)

// Model is the bubbletea model for an install operation
type Model struct {
	progress    *Progress
	spinner     spinner.Model
	progressBar progress.Model
	done        bool
	// cancelled is set by the first ctrl+c; the engine still has to report back
	cancelled bool
	err       error
	width     int
	cancel    func()
}

// NewModel creates a model showing stages. cancel is called on ctrl+c and
// may be nil.
func NewModel(title string, stages []install.Stage, cancel func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)

	return Model{
		progress:    NewProgress(title, stages),
		spinner:     s,
		progressBar: p,
		width:       80,
		cancel:      cancel,
	}
}

type (
	// EventMsg carries an engine progress event
	EventMsg install.Event

	// SubProgressMsg updates the sub-progress within current step
	SubProgressMsg struct {
		Percent float64
		Detail  string
	}

	// DoneMsg signals the entire operation is complete
	DoneMsg struct{ Err error }
)

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tea.WindowSize())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			// First press asks the engine to stop at its next checkpoint,
			// a second one quits without waiting
			if m.cancel != nil && !m.cancelled {
				m.cancelled = true
				m.cancel()
				m.progress.SetDetail("cancelling...")
				return m, nil
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		// Keep the bar narrow on wide terminals
		m.width = msg.Width
		m.progressBar.Width = min(msg.Width-10, 40)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progressBar.Update(msg)
		m.progressBar = progressModel.(progress.Model)
		return m, cmd

	case EventMsg:
		// Late events for a stage already passed are dropped
		if !m.progress.Advance(msg.Stage) {
			return m, nil
		}
		if msg.Done {
			m.progress.Finish()
			return m, nil
		}
		// Counted stages (downloads) drive the bar
		if msg.Total > 0 {
			percent := float64(msg.Current) / float64(msg.Total) * 100
			m.progress.SetSubProgress(percent, fmt.Sprintf("%s %s", FormatCount(msg.Current, msg.Total), msg.Item))
			return m, m.progressBar.SetPercent(percent / 100)
		}
		return m, nil

	case SubProgressMsg:
		m.progress.SetSubProgress(msg.Percent, msg.Detail)
		return m, m.progressBar.SetPercent(msg.Percent / 100)

	case DoneMsg:
		// The result is printed by the command once the program exits
		m.done = true
		m.err = msg.Err
		if msg.Err != nil {
			m.progress.Fail(msg.Err)
		} else {
			m.progress.Finish()
		}
		return m, tea.Quit
	}

	return m, nil
}

// View renders the progress display
func (m Model) View() string {
	var b strings.Builder

	titleStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Bold(true).
		MarginBottom(1)
	b.WriteString(titleStyle.Render(m.progress.Title))
	b.WriteString("\n\n")

	// One line per stage, the running one gets the spinner and its detail
	indent := "  "
	for _, step := range m.progress.Steps {
		icon := StyledIcon(step.State)
		textStyle := StepStyle(step.State)

		if step.State == StateInProgress {
			icon = m.spinner.View()
		}

		b.WriteString(fmt.Sprintf("%s%s %s", indent, icon, textStyle.Render(step.Name)))

		if step.State == StateInProgress && step.Detail != "" {
			detailStyle := lipgloss.NewStyle().Foreground(styles.Muted)
			b.WriteString(detailStyle.Render(" - " + step.Detail))
		}
		b.WriteString("\n")

		// Bar and counter below the running stage
		if step.State == StateInProgress && m.progress.SubProgress > 0 {
			if m.progress.SubDetail != "" {
				subDetailStyle := lipgloss.NewStyle().Foreground(styles.Muted)
				b.WriteString(indent + "    " + subDetailStyle.Render(m.progress.SubDetail) + "\n")
			}
			b.WriteString(indent + "  " + m.progressBar.View() + "\n")
		}
	}

	b.WriteString("\n")
	return b.String()
}

// GetError returns any error that occurred
func (m Model) GetError() error {
	return m.err
}

// IsDone returns true if the operation is complete
func (m Model) IsDone() bool {
	return m.done
}

// GetProgress returns the underlying progress state
func (m Model) GetProgress() *Progress {
	return m.progress
}
