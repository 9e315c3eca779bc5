package progress

import (
	"regexp"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Sender is satisfied by *tea.Program
type Sender interface {
	Send(msg tea.Msg)
}

// GitProgressWriter parses git clone output of a git source into
// sub-progress messages
type GitProgressWriter struct {
	program Sender
}

// NewGitProgressWriter creates a writer that sends to p
func NewGitProgressWriter(p Sender) *GitProgressWriter {
	return &GitProgressWriter{program: p}
}

// Write implements io.Writer
func (w *GitProgressWriter) Write(p []byte) (n int, err error) {
	// git separates progress updates with carriage returns
	for _, line := range strings.FieldsFunc(string(p), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if percent, detail := parseGitProgress(line); percent >= 0 {
			w.program.Send(SubProgressMsg{Percent: percent, Detail: detail})
		}
	}
	return len(p), nil
}

var gitPatterns = []struct {
	re     *regexp.Regexp
	prefix string
}{
	{regexp.MustCompile(`Receiving objects:\s+(\d+)%\s+\((\d+)/(\d+)\)`), "Receiving objects"},
	{regexp.MustCompile(`Resolving deltas:\s+(\d+)%\s+\((\d+)/(\d+)\)`), "Resolving deltas"},
	{regexp.MustCompile(`Compressing objects:\s+(\d+)%\s+\((\d+)/(\d+)\)`), "Compressing objects"},
	{regexp.MustCompile(`Counting objects:\s+(\d+)%\s+\((\d+)/(\d+)\)`), "Counting objects"},
}

var enumeratingRe = regexp.MustCompile(`Enumerating objects:\s+(\d+)`)

// parseGitProgress returns percent (0-100) and a detail string, or -1 when
// line is not a progress line
func parseGitProgress(line string) (float64, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return -1, ""
	}

	for _, p := range gitPatterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			percent, _ := strconv.ParseFloat(m[1], 64)
			return percent, p.prefix + ": " + m[2] + "/" + m[3]
		}
	}

	if m := enumeratingRe.FindStringSubmatch(line); m != nil {
		return 0, "Enumerating objects: " + m[1]
	}
	return -1, ""
}
