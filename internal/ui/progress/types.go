package progress

import (
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/ui/styles"
)

// State of one stage line
type State int

const (
	StatePending State = iota
	StateInProgress
	StateComplete
	StateSkipped
	StateError
)

// Step is one engine stage as displayed
type Step struct {
	Stage  install.Stage
	Name   string
	State  State
	Detail string // e.g. "3/12 set2"
	Error  error
}

// Icons - Nerd Font with ASCII fallback
type Icons struct {
	Check   string
	Cross   string
	Skip    string
	Pending string
	Warning string
	Spinner string
}

var (
	NerdFontIcons = Icons{
		Check:   "\uf00c",
		Cross:   "\uf00d",
		Skip:    "\uf068",
		Pending: "\uf111",
		Warning: "\uf071",
		Spinner: "\uf110",
	}

	ASCIIIcons = Icons{
		Check:   "+",
		Cross:   "x",
		Skip:    "-",
		Pending: "o",
		Warning: "!",
		Spinner: "*",
	}
)

// GetIcons returns Nerd Font glyphs when ARDYSACTL_NERD_FONTS=1
func GetIcons() Icons {
	if os.Getenv("ARDYSACTL_NERD_FONTS") == "1" {
		return NerdFontIcons
	}
	return ASCIIIcons
}

var (
	IconStyleCheck   = lipgloss.NewStyle().Foreground(styles.Success)
	IconStyleCross   = lipgloss.NewStyle().Foreground(styles.Error)
	IconStylePending = lipgloss.NewStyle().Foreground(styles.Muted)
	IconStyleWarning = lipgloss.NewStyle().Foreground(styles.Warning)
	IconStyleSpinner = lipgloss.NewStyle().Foreground(styles.Primary)
)

// StyledIcon returns the icon of a state
func StyledIcon(state State) string {
	icons := GetIcons()
	switch state {
	case StateComplete:
		return IconStyleCheck.Render(icons.Check)
	case StateError:
		return IconStyleCross.Render(icons.Cross)
	case StateInProgress:
		return IconStyleSpinner.Render(icons.Spinner)
	case StateSkipped:
		return IconStylePending.Render(icons.Skip)
	default:
		return IconStylePending.Render(icons.Pending)
	}
}

// StepStyle returns the text style of a state
func StepStyle(state State) lipgloss.Style {
	switch state {
	case StateComplete:
		return styles.SuccessText
	case StateError:
		return styles.ErrorText
	case StateInProgress:
		return styles.NormalText.Bold(true)
	default:
		return styles.MutedText
	}
}

// Progress tracks the stages of one operation. Stages only move forward.
type Progress struct {
	Title       string
	Steps       []Step
	CurrentStep int
	SubProgress float64 // 0-100 within the current stage
	SubDetail   string
}

// NewProgress lists stages in the order the operation runs them
func NewProgress(title string, stages []install.Stage) *Progress {
	steps := make([]Step, len(stages))
	for i, st := range stages {
		steps[i] = Step{Stage: st, Name: st.String()}
	}
	return &Progress{Title: title, Steps: steps, CurrentStep: -1}
}

func (p *Progress) index(stage install.Stage) int {
	for i, s := range p.Steps {
		if s.Stage == stage {
			return i
		}
	}
	return -1
}

func (p *Progress) current() *Step {
	if p.CurrentStep < 0 || p.CurrentStep >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentStep]
}

// Advance starts stage. The running stage completes and stages jumped over
// are marked skipped. It returns false for unknown or earlier stages.
func (p *Progress) Advance(stage install.Stage) bool {
	idx := p.index(stage)
	if idx < 0 || idx < p.CurrentStep {
		return false
	}
	if idx == p.CurrentStep {
		return true
	}
	if s := p.current(); s != nil && s.State == StateInProgress {
		s.State = StateComplete
		s.Detail = ""
	}
	for i := p.CurrentStep + 1; i < idx; i++ {
		p.Steps[i].State = StateSkipped
	}
	p.CurrentStep = idx
	p.Steps[idx].State = StateInProgress
	p.SubProgress = 0
	p.SubDetail = ""
	return true
}

// Finish completes the running stage and skips the rest
func (p *Progress) Finish() {
	if s := p.current(); s != nil && s.State == StateInProgress {
		s.State = StateComplete
		s.Detail = ""
	}
	for i := p.CurrentStep + 1; i < len(p.Steps); i++ {
		p.Steps[i].State = StateSkipped
	}
	p.CurrentStep = len(p.Steps)
	p.SubProgress = 0
	p.SubDetail = ""
}

// Fail marks the running stage, or the first one, as failed
func (p *Progress) Fail(err error) {
	s := p.current()
	if s == nil && len(p.Steps) > 0 && p.CurrentStep < 0 {
		p.CurrentStep = 0
		s = &p.Steps[0]
	}
	if s != nil {
		s.State = StateError
		s.Error = err
	}
}

// SetSubProgress updates the bar within the running stage
func (p *Progress) SetSubProgress(percent float64, detail string) {
	p.SubProgress = percent
	p.SubDetail = detail
}

// SetDetail sets the detail text of the running stage
func (p *Progress) SetDetail(detail string) {
	if s := p.current(); s != nil {
		s.Detail = detail
	}
}

// IsComplete reports whether every stage ended without error
func (p *Progress) IsComplete() bool {
	for _, step := range p.Steps {
		if step.State != StateComplete && step.State != StateSkipped {
			return false
		}
	}
	return true
}

// HasError reports whether a stage failed
func (p *Progress) HasError() bool {
	for _, step := range p.Steps {
		if step.State == StateError {
			return true
		}
	}
	return false
}
