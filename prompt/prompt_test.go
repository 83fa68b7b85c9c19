package prompt

import (
	"bytes"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dhcgn/eml-to-mbox/archive"
)

func TestConsole(t *testing.T) {
	in := strings.NewReader("A\no\n\nwhatever\n")
	var out bytes.Buffer
	policy := Console(in, &out)

	want := []archive.Mode{archive.ModeAppend, archive.ModeOverwrite, archive.ModeSkip, archive.ModeSkip, archive.ModeSkip}
	for i, w := range want {
		got, err := policy("box.mbox")
		if err != nil {
			t.Fatalf("answer %d: error = %v", i, err)
		}
		if got != w {
			t.Errorf("answer %d = %v, want %v", i, got, w)
		}
	}
	if !strings.Contains(out.String(), "box.mbox already exists") {
		t.Errorf("prompt output = %q", out.String())
	}
}

func TestChoiceModel(t *testing.T) {
	tests := []struct {
		key  tea.KeyMsg
		want archive.Mode
	}{
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")}, archive.ModeAppend},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("O")}, archive.ModeOverwrite},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")}, archive.ModeSkip},
		{tea.KeyMsg{Type: tea.KeyEnter}, archive.ModeSkip},
	}
	for _, tt := range tests {
		m := newChoiceModel("box.mbox")
		if !strings.Contains(m.View(), "box.mbox") {
			t.Errorf("View() does not show the path")
		}
		_, cmd := m.Update(tt.key)
		if cmd == nil {
			t.Errorf("key %q did not quit the dialog", tt.key.String())
		}
		if got := m.mode(); got != tt.want {
			t.Errorf("key %q: mode = %v, want %v", tt.key.String(), got, tt.want)
		}
	}
}

func TestFromName(t *testing.T) {
	for _, name := range []string{"append", "overwrite", "skip", "SKIP"} {
		if _, err := FromName(name); err != nil {
			t.Errorf("FromName(%q) error = %v", name, err)
		}
	}
	p, err := FromName("overwrite")
	if err != nil {
		t.Fatal(err)
	}
	if mode, _ := p("x"); mode != archive.ModeOverwrite {
		t.Errorf("overwrite policy answered %v", mode)
	}
	if _, err := FromName("maybe"); err == nil {
		t.Errorf("FromName(maybe) succeeded")
	}
}
