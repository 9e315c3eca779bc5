package progress

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/ardysactl/internal/install"
)

type sink struct {
	msgs []tea.Msg
}

func (s *sink) Send(msg tea.Msg) { s.msgs = append(s.msgs, msg) }

func TestParseGitProgress(t *testing.T) {
	tests := []struct {
		line    string
		percent float64
		detail  string
	}{
		{"Receiving objects:  67% (156/233)", 67, "Receiving objects: 156/233"},
		{"Resolving deltas: 100% (45/45), done.", 100, "Resolving deltas: 45/45"},
		{"Enumerating objects: 233, done.", 0, "Enumerating objects: 233"},
		{"remote: Total 233", -1, ""},
		{"", -1, ""},
	}
	for _, tt := range tests {
		percent, detail := parseGitProgress(tt.line)
		if percent != tt.percent || detail != tt.detail {
			t.Fatalf("parseGitProgress(%q) = %v, %q; want %v, %q", tt.line, percent, detail, tt.percent, tt.detail)
		}
	}
}

func TestGitWriterSplitsCarriageReturns(t *testing.T) {
	s := &sink{}
	w := NewGitProgressWriter(s)
	if _, err := w.Write([]byte("Receiving objects:  10% (1/10)\rReceiving objects:  20% (2/10)\r")); err != nil {
		t.Fatal(err)
	}
	if len(s.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.msgs))
	}
	if m := s.msgs[1].(SubProgressMsg); m.Percent != 20 {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestModelAdvancesThroughStages(t *testing.T) {
	m := NewModel("Installing", install.InstallStages, nil)

	next, _ := m.Update(EventMsg(install.Event{Stage: install.StageMerge}))
	m = next.(Model)
	p := m.GetProgress()
	if p.CurrentStep != 3 || p.Steps[3].State != StateInProgress {
		t.Fatalf("expected merge step in progress, got step %d", p.CurrentStep)
	}
	for i := 0; i < 3; i++ {
		if p.Steps[i].State != StateSkipped {
			t.Fatalf("step %d should be skipped, got %v", i, p.Steps[i].State)
		}
	}

	next, _ = m.Update(EventMsg(install.Event{Stage: install.StageCommit}))
	m = next.(Model)
	if m.GetProgress().Steps[3].State != StateComplete {
		t.Fatal("merge step should complete when commit starts")
	}

	// events for earlier stages are ignored
	next, _ = m.Update(EventMsg(install.Event{Stage: install.StageDownload}))
	m = next.(Model)
	if m.GetProgress().CurrentStep != 4 {
		t.Fatal("progress moved backwards")
	}

	next, _ = m.Update(EventMsg(install.Event{Stage: install.StagePatch, Done: true}))
	m = next.(Model)
	if !m.GetProgress().IsComplete() {
		t.Fatal("expected all steps complete")
	}
}

func TestModelDoneWithError(t *testing.T) {
	m := NewModel("Installing", install.InstallStages, nil)
	next, _ := m.Update(EventMsg(install.Event{Stage: install.StageDownload, Current: 1, Total: 3, Item: "set1"}))
	m = next.(Model)

	boom := errors.New("boom")
	next, cmd := m.Update(DoneMsg{Err: boom})
	m = next.(Model)
	if !m.IsDone() || !errors.Is(m.GetError(), boom) || cmd == nil {
		t.Fatal("expected done with error and quit")
	}
	if !m.GetProgress().HasError() {
		t.Fatal("expected failed step")
	}
}

func TestModelCtrlCCancelsFirst(t *testing.T) {
	cancelled := 0
	m := NewModel("Installing", install.InstallStages, func() { cancelled++ })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(Model)
	if cancelled != 1 || cmd != nil {
		t.Fatalf("first ctrl+c must cancel, got %d calls", cancelled)
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil || cancelled != 1 {
		t.Fatal("second ctrl+c must quit")
	}
}
